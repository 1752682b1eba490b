package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/datapulse/datapulse/internal/storage"
)

func TestEncodeRoundTrip(t *testing.T) {
	askedAt := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	data, err := Encode([]Record{
		{
			CallerID:   "caller-1",
			Question:   "how many customers",
			SQL:        "SELECT COUNT(*) AS count FROM customers",
			Outcome:    "answered",
			RowCount:   1,
			DurationMS: 12,
			AskedAt:    askedAt,
		},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	rows, err := parquet.Read[parquetRecord](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].CallerID != "caller-1" || rows[0].AskedAtUnixMS != askedAt.UnixMilli() {
		t.Fatalf("row = %+v", rows[0])
	}
}

func TestEncodeRequiresRecords(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestAppendFlushesFullBatch(t *testing.T) {
	store := &fakeStore{}
	writer := NewWriter(store, 2, discardLogger())

	writer.Append(context.Background(), Record{Question: "q1", AskedAt: time.Now()})
	if store.puts != 0 {
		t.Fatalf("premature flush: %d", store.puts)
	}
	writer.Append(context.Background(), Record{Question: "q2", AskedAt: time.Now()})
	if store.puts != 1 {
		t.Fatalf("puts = %d, want 1", store.puts)
	}
	if writer.Pending() != 0 {
		t.Fatalf("pending = %d after flush", writer.Pending())
	}
	if !strings.HasPrefix(store.lastKey, "answers/date=") {
		t.Fatalf("key = %q", store.lastKey)
	}
}

func TestFailedFlushKeepsRecords(t *testing.T) {
	store := &fakeStore{putErr: errors.New("endpoint down")}
	writer := NewWriter(store, 10, discardLogger())

	writer.Append(context.Background(), Record{Question: "q1", AskedAt: time.Now()})
	if err := writer.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if writer.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", writer.Pending())
	}

	store.putErr = nil
	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush error: %v", err)
	}
	if writer.Pending() != 0 {
		t.Fatalf("pending = %d after retry", writer.Pending())
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	puts    int
	lastKey string
	putErr  error
}

func (f *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ storage.PutOptions) (storage.ObjectInfo, error) {
	if f.putErr != nil {
		return storage.ObjectInfo{}, f.putErr
	}
	f.puts++
	f.lastKey = key
	_, _ = io.Copy(io.Discard, body)
	return storage.ObjectInfo{Key: key}, nil
}

func (f *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeStore) Delete(_ context.Context, _ string) error {
	return nil
}
