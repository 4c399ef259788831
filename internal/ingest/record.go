// Package ingest implements the streaming bulk user upload pipeline:
// CSV parse, in-file duplicate rejection, per-row validation, and batched
// transactional persistence with per-row error reporting.
package ingest

import (
	"errors"
)

var (
	// ErrNoFile indicates a missing or empty upload stream.
	ErrNoFile = errors.New("ingest: no file uploaded")

	// ErrBadExtension indicates the uploaded file name is not a .csv file.
	ErrBadExtension = errors.New("ingest: file must have a .csv extension")
)

// RawRecord is one parsed row: header field names mapped onto the row's
// values, plus the row's 1-based position counted from the header line.
// The field list is ordered as the header orders it, but lookups go by name
// so header reordering is tolerated.
type RawRecord struct {
	// Row is the source position; the header is row 1.
	Row int

	fields []rawField
	// extra counts row values beyond the header's width.
	extra int
}

type rawField struct {
	name  string
	value string
}

// Get returns the value for the named field. The second return reports
// whether the row actually carried the field; a row shorter than the header
// yields false for the truncated columns.
func (r RawRecord) Get(name string) (string, bool) {
	for _, f := range r.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

// Extra returns how many values the row carried beyond the header's fields.
func (r RawRecord) Extra() int {
	return r.extra
}

// RowError records why a single row was rejected. Detail is either a
// FieldErrors map for validation failures or a plain string for in-file
// duplicates; both marshal directly into the response error list.
type RowError struct {
	Row    int `json:"row"`
	Detail any `json:"error"`
}

// Summary is the accounting result of one ingest call. Saved counts records
// accepted by validation, independent of physical commit timing; Errors
// preserves source row order.
type Summary struct {
	Saved    int        `json:"saved_records"`
	Rejected int        `json:"rejected_records"`
	Errors   []RowError `json:"errors"`
}
