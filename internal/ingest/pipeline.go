package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rowanhe/intake/internal/users"
)

// DefaultBatchSize is how many accepted records accumulate before a flush.
const DefaultBatchSize = 100

// RecordStore persists one batch of accepted records as a single atomic
// transaction. A returned error aborts the whole ingest call.
type RecordStore interface {
	BulkInsert(ctx context.Context, batch []users.User) error
}

// Pipeline streams a CSV upload through validation, in-file email
// deduplication, and batched persistence. One Pipeline is safe for
// concurrent Ingest calls; each call owns its own dedup set and batch.
type Pipeline struct {
	validator Validator
	store     RecordStore
	batchSize int
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithBatchSize overrides the flush threshold.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(validator Validator, store RecordStore, opts ...Option) (*Pipeline, error) {
	if validator == nil {
		return nil, fmt.Errorf("ingest: validator is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ingest: record store is required")
	}

	p := &Pipeline{
		validator: validator,
		store:     store,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Ingest processes the upload in a single pass, never materializing the
// whole file. Row-level problems are recorded and counted but never abort
// the pass; a decode error or a failed batch flush does, with no summary.
//
// Row numbers in the summary start at 2: the header is row 1, so they match
// source line positions for non-blank files.
func (p *Pipeline) Ingest(ctx context.Context, r io.Reader, fileName string) (Summary, error) {
	if !strings.HasSuffix(fileName, ".csv") {
		return Summary{}, ErrBadExtension
	}
	if r == nil {
		return Summary{}, ErrNoFile
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	// Ragged rows become records with missing or extra fields for the
	// validator to reject, rather than hard parse failures.
	reader.FieldsPerRecord = -1

	header, err := readRow(reader)
	if errors.Is(err, io.EOF) {
		return Summary{}, ErrNoFile
	}
	if err != nil {
		return Summary{}, fmt.Errorf("ingest: reading header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	summary := Summary{Errors: make([]RowError, 0)}
	batch := make([]users.User, 0, p.batchSize)
	seenEmails := make(map[string]struct{})
	row := 1 // header

	for {
		select {
		case <-ctx.Done():
			return Summary{}, fmt.Errorf("ingest: stream read canceled: %w", ctx.Err())
		default:
		}

		values, err := readRow(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Summary{}, fmt.Errorf("ingest: reading row: %w", err)
		}

		row++
		rec := makeRecord(row, header, values)

		// Duplicate check runs before validation and claims the email
		// either way, so later rows with the same email are rejected as
		// duplicates even when this row itself fails validation.
		email, _ := rec.Get("email")
		if _, dup := seenEmails[email]; dup {
			summary.Errors = append(summary.Errors, RowError{
				Row:    row,
				Detail: fmt.Sprintf("Duplicate email in file: %s", email),
			})
			summary.Rejected++
			continue
		}
		seenEmails[email] = struct{}{}

		user, fieldErrs := p.validator.Validate(rec)
		if fieldErrs != nil {
			summary.Errors = append(summary.Errors, RowError{Row: row, Detail: fieldErrs})
			summary.Rejected++
			continue
		}

		batch = append(batch, user)
		summary.Saved++

		if len(batch) >= p.batchSize {
			if err := p.store.BulkInsert(ctx, batch); err != nil {
				return Summary{}, fmt.Errorf("ingest: persisting batch: %w", err)
			}
			batch = make([]users.User, 0, p.batchSize)
		}
	}

	if len(batch) > 0 {
		if err := p.store.BulkInsert(ctx, batch); err != nil {
			return Summary{}, fmt.Errorf("ingest: persisting final batch: %w", err)
		}
	}

	return summary, nil
}

// readRow returns the next non-blank record. encoding/csv already skips
// truly empty lines; this also drops rows that are blank after trimming,
// which guards against trailing whitespace-only lines.
func readRow(reader *csv.Reader) ([]string, error) {
	for {
		values, err := reader.Read()
		if err != nil {
			return nil, err
		}
		if !blankRow(values) {
			return values, nil
		}
	}
}

func blankRow(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func makeRecord(row int, header, values []string) RawRecord {
	rec := RawRecord{Row: row}

	rec.fields = make([]rawField, 0, len(header))
	for i, name := range header {
		f := rawField{name: name}
		if i < len(values) {
			f.value = values[i]
		} else {
			// Truncated row: the field stays absent rather than empty.
			continue
		}
		rec.fields = append(rec.fields, f)
	}

	if len(values) > len(header) {
		rec.extra = len(values) - len(header)
	}

	return rec
}
