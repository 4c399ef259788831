// Package audit provides asynchronous recording of upload outcomes.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Upload outcome statuses.
const (
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusRejectedInput = "rejected_input"
)

// Record represents one upload call to be logged.
type Record struct {
	UploadedAt time.Time
	ClientID   string
	FileName   string
	Saved      int64
	Rejected   int64
	Status     string
	DurationMS int64
}

// Logger is an asynchronous audit recorder that batches writes to reduce
// database load and keep the upload path free of logging latency.
type Logger struct {
	db     *sql.DB
	events chan Record
	done   chan struct{}
	wg     sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	mu             sync.RWMutex
	recordsLogged  int64
	recordsDropped int64
}

// Config holds configuration for the audit logger.
type Config struct {
	DB            *sql.DB
	BufferSize    int           // Size of record channel buffer (default: 100)
	BatchSize     int           // Number of records to batch before writing (default: 100)
	FlushInterval time.Duration // Maximum time before flushing (default: 5s)
}

// New creates an audit logger and starts its background worker.
func New(cfg Config) (*Logger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("audit: database connection is required")
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	logger := &Logger{
		db:            cfg.DB,
		events:        make(chan Record, cfg.BufferSize),
		done:          make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}

	// Test DB connection before starting worker.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cfg.DB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("audit: database not available: %w", err)
	}

	logger.wg.Add(1)
	go logger.worker()

	return logger, nil
}

// Log queues a record for asynchronous persistence. It never blocks; when
// the buffer is full the record is dropped and counted.
func (l *Logger) Log(rec Record) {
	select {
	case l.events <- rec:
	default:
		l.mu.Lock()
		l.recordsDropped++
		l.mu.Unlock()
		log.Printf("audit: record buffer full, dropping record")
	}
}

// Close gracefully shuts down the logger, flushing all pending records.
func (l *Logger) Close(ctx context.Context) error {
	close(l.done)

	doneCh := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: shutdown timeout exceeded")
	}
}

// Stats returns current logger statistics.
func (l *Logger) Stats() (logged, dropped int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recordsLogged, l.recordsDropped
}

// worker batches and writes records to the database.
func (l *Logger) worker() {
	defer l.wg.Done()

	batch := make([]Record, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-l.events:
			batch = append(batch, rec)

			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}

		case <-l.done:
			l.drainAndFlush(batch)
			return
		}
	}
}

// flush writes a batch of records to the database.
func (l *Logger) flush(records []Record) {
	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("audit: failed to begin transaction: %v", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO upload_audit (
			uploaded_at, client_id, file_name, saved_records,
			rejected_records, status, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		log.Printf("audit: failed to prepare statement: %v", err)
		return
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.UploadedAt,
			rec.ClientID,
			rec.FileName,
			rec.Saved,
			rec.Rejected,
			rec.Status,
			rec.DurationMS,
		)
		if err != nil {
			log.Printf("audit: failed to insert record: %v", err)
			// Continue with other records
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("audit: failed to commit transaction: %v", err)
		return
	}

	l.mu.Lock()
	l.recordsLogged += int64(len(records))
	l.mu.Unlock()

	log.Printf("audit: flushed %d records", len(records))
}

// drainAndFlush drains remaining records from the channel and flushes them.
func (l *Logger) drainAndFlush(batch []Record) {
	for {
		select {
		case rec := <-l.events:
			batch = append(batch, rec)

			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}
