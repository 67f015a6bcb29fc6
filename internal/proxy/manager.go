package proxy

import (
	"net/http"

	"github.com/openmux/llm-relay/internal/keypool"
)

// Manager is the only handle mutators get on a request. Every change is
// recorded with its prior value; Revert applies the inverses in reverse order
// so a re-enqueued request presents the same state the first attempt saw.
// Key assignment is deliberately not reverted: the key is opaque to the
// client and the next attempt assigns its own.
type Manager struct {
	req *Request
	log []mutation
}

type mutation interface {
	undo(r *Request)
}

// NewManager wraps a request for one dispatch attempt.
func NewManager(req *Request) *Manager {
	return &Manager{req: req}
}

// Request exposes read access for mutators that need to inspect state.
func (m *Manager) Request() *Request { return m.req }

// Mutations reports how many mutations are currently applied.
func (m *Manager) Mutations() int { return len(m.log) }

type headerSet struct {
	key     string
	prior   []string
	existed bool
}

func (u headerSet) undo(r *Request) {
	if u.existed {
		r.Headers[http.CanonicalHeaderKey(u.key)] = u.prior
	} else {
		r.Headers.Del(u.key)
	}
}

type bodySwap struct{ prior []byte }

func (u bodySwap) undo(r *Request) { r.Body = u.prior }

type pathSwap struct{ prior string }

func (u pathSwap) undo(r *Request) { r.Path = u.prior }

type signedSwap struct{ prior *SignedRequest }

func (u signedSwap) undo(r *Request) { r.Signed = u.prior }

// SetHeader records and applies a header write.
func (m *Manager) SetHeader(key, value string) {
	m.recordHeader(key)
	m.req.Headers.Set(key, value)
}

// RemoveHeader records and applies a header removal.
func (m *Manager) RemoveHeader(key string) {
	if _, ok := m.req.Headers[http.CanonicalHeaderKey(key)]; !ok {
		return
	}
	m.recordHeader(key)
	m.req.Headers.Del(key)
}

func (m *Manager) recordHeader(key string) {
	canonical := http.CanonicalHeaderKey(key)
	prior, existed := m.req.Headers[canonical]
	m.log = append(m.log, headerSet{
		key:     key,
		prior:   append([]string(nil), prior...),
		existed: existed,
	})
}

// SetBody records and applies a body replacement.
func (m *Manager) SetBody(body []byte) {
	m.log = append(m.log, bodySwap{prior: m.req.Body})
	m.req.Body = body
}

// SetPath records and applies an upstream path change.
func (m *Manager) SetPath(path string) {
	m.log = append(m.log, pathSwap{prior: m.req.Path})
	m.req.Path = path
}

// SetSigned records and applies the signed envelope.
func (m *Manager) SetSigned(s *SignedRequest) {
	m.log = append(m.log, signedSwap{prior: m.req.Signed})
	m.req.Signed = s
}

// AssignKey sets the credential for this attempt. Not logged; not reverted.
func (m *Manager) AssignKey(k *keypool.Key) {
	m.req.Key = k
}

// Revert undoes every recorded mutation, newest first, and clears the log.
func (m *Manager) Revert() {
	for i := len(m.log) - 1; i >= 0; i-- {
		m.log[i].undo(m.req)
	}
	m.log = m.log[:0]
}
