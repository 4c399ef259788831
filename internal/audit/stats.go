package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Overview summarizes upload activity over a time window.
type Overview struct {
	WindowSeconds    int64   `json:"window_seconds"`
	TotalUploads     int64   `json:"total_uploads"`
	CompletedUploads int64   `json:"completed_uploads"`
	FailedUploads    int64   `json:"failed_uploads"`
	SavedRecords     int64   `json:"saved_records"`
	RejectedRecords  int64   `json:"rejected_records"`
	RejectRate       float64 `json:"reject_rate"`
}

// UploadEntry is a single audited upload in a recent-uploads listing.
type UploadEntry struct {
	UploadedAt time.Time `json:"uploaded_at"`
	ClientID   string    `json:"client_id"`
	FileName   string    `json:"file_name"`
	Saved      int64     `json:"saved_records"`
	Rejected   int64     `json:"rejected_records"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
}

// QueryService provides read-only queries over the upload audit log.
type QueryService struct {
	db *sql.DB
}

// NewQueryService constructs an audit query service.
func NewQueryService(db *sql.DB) (*QueryService, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: query service requires database connection")
	}

	return &QueryService{db: db}, nil
}

// GetOverview returns top-level upload metrics for a trailing time window.
func (s *QueryService) GetOverview(ctx context.Context, window time.Duration) (Overview, error) {
	since := time.Now().Add(-window)

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status <> $2),
			COALESCE(SUM(saved_records), 0),
			COALESCE(SUM(rejected_records), 0)
		FROM upload_audit
		WHERE uploaded_at >= $1
	`, since, StatusCompleted)

	var o Overview
	o.WindowSeconds = int64(window.Seconds())
	if err := row.Scan(&o.TotalUploads, &o.CompletedUploads, &o.FailedUploads, &o.SavedRecords, &o.RejectedRecords); err != nil {
		return Overview{}, fmt.Errorf("audit: overview query failed: %w", err)
	}

	if total := o.SavedRecords + o.RejectedRecords; total > 0 {
		o.RejectRate = float64(o.RejectedRecords) / float64(total)
	}

	return o, nil
}

// GetRecentUploads returns the newest audited uploads, newest first.
func (s *QueryService) GetRecentUploads(ctx context.Context, limit int) ([]UploadEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uploaded_at, client_id, file_name, saved_records,
		       rejected_records, status, duration_ms
		FROM upload_audit
		ORDER BY uploaded_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent uploads query failed: %w", err)
	}
	defer rows.Close()

	entries := make([]UploadEntry, 0, limit)
	for rows.Next() {
		var e UploadEntry
		if err := rows.Scan(&e.UploadedAt, &e.ClientID, &e.FileName, &e.Saved, &e.Rejected, &e.Status, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("audit: scanning upload entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterating upload entries: %w", err)
	}

	return entries, nil
}
