package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// completionsDDL creates the events table when the sink connects. MergeTree
// ordered by day + service keeps per-service scans cheap.
const completionsDDL = `
CREATE TABLE IF NOT EXISTS completions (
	id            UUID,
	identity_hash String,
	service       LowCardinality(String),
	family        LowCardinality(String),
	model         String,
	key_hash      String,
	input_tokens  UInt32,
	output_tokens UInt32,
	latency_ms    UInt32,
	status        UInt16,
	retries       UInt8,
	streamed      Bool,
	created_at    DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (toDate(created_at), service, created_at)
`

// ClickHouseSink writes completion batches into a ClickHouse table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies the server, and ensures the table.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, completionsDDL); err != nil {
		return nil, fmt.Errorf("clickhouse ensure table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Write appends one flush batch. Errors drop the batch; the caller logs them.
func (s *ClickHouseSink) Write(ctx context.Context, batch []CompletionLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO completions")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.IdentityHash,
			e.Service,
			e.Family,
			e.Model,
			e.KeyHash,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Retries,
			e.Streamed,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return b.Send()
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
