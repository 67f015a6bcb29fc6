package queue

import (
	"crypto/rand"
	"encoding/base64"
)

// HeartbeatPayload builds one SSE comment of random base64 padding. The
// padding grows quadratically with load above the threshold so proxies and
// buffers in front of slow clients keep flushing, and stays at the minimum
// otherwise.
func HeartbeatPayload(load, threshold int) []byte {
	size := PaddingMinBytes
	if load > threshold {
		over := load - threshold
		size += over * over * PayloadScaleFactor * PayloadScaleFactor
		if size > PaddingMaxBytes {
			size = PaddingMaxBytes
		}
	}

	raw := make([]byte, (size*3+3)/4)
	_, _ = rand.Read(raw)
	pad := base64.RawStdEncoding.EncodeToString(raw)[:size]

	out := make([]byte, 0, size+4)
	out = append(out, ':', ' ')
	out = append(out, pad...)
	return append(out, '\n', '\n')
}
