package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rowanhe/intake/internal/audit"
	intakehttp "github.com/rowanhe/intake/internal/httputil"
	"github.com/rowanhe/intake/internal/ingest"
)

// Ingestor runs one bulk upload pass.
type Ingestor interface {
	Ingest(ctx context.Context, r io.Reader, fileName string) (ingest.Summary, error)
}

// Auditor records upload outcomes asynchronously.
type Auditor interface {
	Log(rec audit.Record)
}

// uploadResponse is the success body of POST /add_user/.
type uploadResponse struct {
	Message  string             `json:"message"`
	Saved    int                `json:"saved_records"`
	Rejected int                `json:"rejected_records"`
	Errors   []ingest.RowError  `json:"errors"`
}

// UploadHandler serves POST /add_user/: a multipart CSV upload of user
// records, answered with a per-row accounting summary.
type UploadHandler struct {
	ingestor   Ingestor
	auditor    Auditor
	sink       func(Event)
	trustProxy bool
}

// UploadOption configures optional UploadHandler behavior.
type UploadOption func(*UploadHandler)

// WithAuditor wires an audit recorder for upload outcomes.
func WithAuditor(a Auditor) UploadOption {
	return func(h *UploadHandler) {
		h.auditor = a
	}
}

// WithEventSink wires a callback for live upload events.
func WithEventSink(sink func(Event)) UploadOption {
	return func(h *UploadHandler) {
		h.sink = sink
	}
}

// WithTrustProxy enables X-Forwarded-For client identification for audit
// and event reporting.
func WithTrustProxy(trust bool) UploadOption {
	return func(h *UploadHandler) {
		h.trustProxy = trust
	}
}

// NewUploadHandler creates the upload endpoint handler.
func NewUploadHandler(ingestor Ingestor, opts ...UploadOption) *UploadHandler {
	h := &UploadHandler{ingestor: ingestor}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles POST /add_user/.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		intakehttp.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	clientID := ClientKey(r, h.trustProxy)
	started := time.Now()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.reject(w, clientID, "", started, http.StatusBadRequest, "No file uploaded.")
		return
	}
	defer file.Close()

	summary, err := h.ingestor.Ingest(r.Context(), file, header.Filename)
	switch {
	case errors.Is(err, ingest.ErrBadExtension):
		h.reject(w, clientID, header.Filename, started, http.StatusBadRequest, "File must have a .csv extension.")
		return
	case errors.Is(err, ingest.ErrNoFile):
		h.reject(w, clientID, header.Filename, started, http.StatusBadRequest, "No file uploaded.")
		return
	case err != nil:
		slog.Error("upload processing failed", "client", clientID, "file", header.Filename, "error", err)
		h.record(audit.Record{
			UploadedAt: started.UTC(),
			ClientID:   clientID,
			FileName:   header.Filename,
			Status:     audit.StatusFailed,
			DurationMS: time.Since(started).Milliseconds(),
		})
		publish(h.sink, Event{
			Timestamp: time.Now().UTC(),
			Type:      EventUpload,
			ClientID:  clientID,
			FileName:  header.Filename,
			Status:    http.StatusInternalServerError,
		})
		intakehttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.record(audit.Record{
		UploadedAt: started.UTC(),
		ClientID:   clientID,
		FileName:   header.Filename,
		Saved:      int64(summary.Saved),
		Rejected:   int64(summary.Rejected),
		Status:     audit.StatusCompleted,
		DurationMS: time.Since(started).Milliseconds(),
	})
	publish(h.sink, Event{
		Timestamp: time.Now().UTC(),
		Type:      EventUpload,
		ClientID:  clientID,
		FileName:  header.Filename,
		Allowed:   true,
		Saved:     summary.Saved,
		Rejected:  summary.Rejected,
		Status:    http.StatusOK,
	})

	intakehttp.WriteJSON(w, http.StatusOK, uploadResponse{
		Message:  "File processed successfully.",
		Saved:    summary.Saved,
		Rejected: summary.Rejected,
		Errors:   summary.Errors,
	})
}

func (h *UploadHandler) reject(w http.ResponseWriter, clientID, fileName string, started time.Time, status int, message string) {
	h.record(audit.Record{
		UploadedAt: started.UTC(),
		ClientID:   clientID,
		FileName:   fileName,
		Status:     audit.StatusRejectedInput,
		DurationMS: time.Since(started).Milliseconds(),
	})
	publish(h.sink, Event{
		Timestamp: time.Now().UTC(),
		Type:      EventUpload,
		ClientID:  clientID,
		FileName:  fileName,
		Status:    status,
	})

	intakehttp.WriteJSON(w, status, map[string]string{"error": message})
}

func (h *UploadHandler) record(rec audit.Record) {
	if h.auditor != nil {
		h.auditor.Log(rec)
	}
}
