package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

type memBlobWriter struct {
	objects map[string][]byte
	putErr  error
}

func newMemBlobWriter() *memBlobWriter {
	return &memBlobWriter{objects: make(map[string][]byte)}
}

func (w *memBlobWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.putErr != nil {
		return w.putErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.objects[path] = buf
	return nil
}

func (w *memBlobWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type memTradeStore struct {
	trades []domain.Trade
}

func (s *memTradeStore) Insert(_ context.Context, trade domain.Trade) error {
	s.trades = append(s.trades, trade)
	return nil
}

func (s *memTradeStore) ListRecent(_ context.Context, accountID string, limit int) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memTradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range s.trades {
		if t.ClosedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTradeStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.Trade
	var deleted int64
	for _, t := range s.trades {
		if t.ClosedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, t)
	}
	s.trades = kept
	return deleted, nil
}

type memAuditStore struct {
	entries []domain.AuditEntry
}

func (s *memAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memAuditStore) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memAuditStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var kept []domain.AuditEntry
	var deleted int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTrade(id string, closedAt time.Time) domain.Trade {
	return domain.Trade{
		ID:         id,
		AccountID:  "acct-1",
		Symbol:     "BTC",
		Side:       domain.SideLong,
		Quantity:   0.5,
		EntryPrice: 30000,
		ExitPrice:  31500,
		SizeUSD:    15000,
		PnLUSD:     750,
		Reason:     domain.ExitTakeProfit,
		Source:     domain.SourceStrategy,
		OpenedAt:   closedAt.Add(-2 * time.Hour),
		ClosedAt:   closedAt,
	}
}

func TestArchiveTradesUploadsAndDeletes(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	trades := &memTradeStore{}
	require.NoError(t, trades.Insert(context.Background(), testTrade("t1", cutoff.Add(-48*time.Hour))))
	require.NoError(t, trades.Insert(context.Background(), testTrade("t2", cutoff.Add(-24*time.Hour))))
	require.NoError(t, trades.Insert(context.Background(), testTrade("t3", cutoff.Add(time.Hour))))

	writer := newMemBlobWriter()
	audit := &memAuditStore{}
	arch := NewArchiver(writer, trades, audit, discard())

	count, err := arch.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	body, ok := writer.objects["archive/trades/2025-01.jsonl"]
	require.True(t, ok, "expected archive object to be written")
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"t1"`)

	// Rows past the cutoff stay in the store.
	require.Len(t, trades.trades, 1)
	assert.Equal(t, "t3", trades.trades[0].ID)

	// The archival event itself is recorded.
	require.Len(t, audit.entries, 1)
	assert.Equal(t, "archive.trades", audit.entries[0].Event)
}

func TestArchivePathUsesDataMonth(t *testing.T) {
	t.Parallel()

	// An exclusive midnight-on-the-1st cutoff covers January data only.
	boundary := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/trades/2025-01.jsonl", archivePath("trades", boundary))

	mid := time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/audit/2025-02.jsonl", archivePath("audit", mid))
}

func TestArchiveTradesNothingToArchive(t *testing.T) {
	t.Parallel()

	writer := newMemBlobWriter()
	arch := NewArchiver(writer, &memTradeStore{}, &memAuditStore{}, discard())

	count, err := arch.ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.objects)
}

func TestArchiveTradesUploadFailureLeavesRows(t *testing.T) {
	t.Parallel()

	cutoff := time.Now()
	trades := &memTradeStore{}
	require.NoError(t, trades.Insert(context.Background(), testTrade("t1", cutoff.Add(-time.Hour))))

	writer := newMemBlobWriter()
	writer.putErr = errors.New("bucket unreachable")
	arch := NewArchiver(writer, trades, &memAuditStore{}, discard())

	_, err := arch.ArchiveTrades(context.Background(), cutoff)
	require.Error(t, err)
	assert.Len(t, trades.trades, 1, "rows must survive a failed upload")
}

func TestArchiveAuditUploadsAndDeletes(t *testing.T) {
	t.Parallel()

	audit := &memAuditStore{}
	require.NoError(t, audit.Log(context.Background(), "order.filled", map[string]any{"symbol": "ETH"}))
	require.NoError(t, audit.Log(context.Background(), "position.closed", map[string]any{"symbol": "ETH"}))
	cutoff := time.Now().Add(time.Minute)

	writer := newMemBlobWriter()
	arch := NewArchiver(writer, &memTradeStore{}, audit, discard())

	count, err := arch.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Empty(t, audit.entries)

	var body []byte
	for path, obj := range writer.objects {
		assert.True(t, strings.HasPrefix(path, "archive/audit/"))
		body = obj
	}
	assert.Equal(t, 2, bytes.Count(body, []byte("\n")))
}
