// Package archive batches answered questions and flushes them to the object
// store as parquet files. The archive is an append-only log for offline
// analysis; losing a batch on crash is acceptable, blocking an answer is not.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/datapulse/datapulse/internal/storage"
)

// Record is one archived answer.
type Record struct {
	CallerID   string
	SessionID  string
	Question   string
	SQL        string
	Outcome    string
	Cached     bool
	RowCount   int
	DurationMS int64
	AskedAt    time.Time
}

type parquetRecord struct {
	CallerID      string `parquet:"caller_id"`
	SessionID     string `parquet:"session_id"`
	Question      string `parquet:"question"`
	SQLText       string `parquet:"sql_text"`
	Outcome       string `parquet:"outcome"`
	Cached        bool   `parquet:"cached"`
	RowCount      int64  `parquet:"row_count"`
	DurationMS    int64  `parquet:"duration_ms"`
	AskedAtUnixMS int64  `parquet:"asked_at_unix_ms"`
}

// Encode renders records as a parquet file.
func Encode(records []Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}

	rows := make([]parquetRecord, 0, len(records))
	for _, record := range records {
		rows = append(rows, parquetRecord{
			CallerID:      record.CallerID,
			SessionID:     record.SessionID,
			Question:      record.Question,
			SQLText:       record.SQL,
			Outcome:       record.Outcome,
			Cached:        record.Cached,
			RowCount:      int64(record.RowCount),
			DurationMS:    record.DurationMS,
			AskedAtUnixMS: record.AskedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Writer buffers records and flushes a parquet batch when the buffer fills
// or the flush interval elapses.
type Writer struct {
	store     storage.ObjectStore
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	pending []Record

	now func() time.Time
}

func NewWriter(store storage.ObjectStore, batchSize int, logger *slog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Append buffers one record and flushes if the batch is full.
func (w *Writer) Append(ctx context.Context, record Record) {
	w.mu.Lock()
	w.pending = append(w.pending, record)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(ctx); err != nil {
			w.logger.Warn("flush answer archive", "error", err)
		}
	}
}

// Flush writes the pending batch to the object store. A failed flush keeps
// the records for the next attempt.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	data, err := Encode(batch)
	if err != nil {
		return fmt.Errorf("encode archive batch: %w", err)
	}

	key := storage.BuildAnswerLogPath(w.now())
	if _, err := w.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"}); err != nil {
		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		return fmt.Errorf("store archive batch: %w", err)
	}

	w.logger.Info("answer archive flushed", "records", len(batch), "key", key, "bytes", len(data))
	return nil
}

// Run flushes on interval until ctx is cancelled, with a final flush on the
// way out.
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(flushCtx); err != nil {
				w.logger.Warn("final archive flush", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Warn("flush answer archive", "error", err)
			}
		}
	}
}

// Pending returns the number of buffered records.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
