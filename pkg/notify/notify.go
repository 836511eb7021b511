// Package notify delivers finalization and unfinalization outcomes to
// operators.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Kind names the operation a Result describes.
type Kind string

const (
	KindFinalize   Kind = "finalize"
	KindUnfinalize Kind = "unfinalize"
	KindExport     Kind = "export"
)

// Result is the message sent after a finalize, unfinalize or export.
type Result struct {
	Kind         Kind      `json:"kind"`
	StudyID      string    `json:"study_id"`
	AnnotVersion string    `json:"annot_version,omitempty"`
	User         string    `json:"user,omitempty"`
	JobIDs       []string  `json:"job_ids,omitempty"`
	Success      bool      `json:"success"`
	Code         string    `json:"code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Found        int       `json:"found"`
	NotFound     int       `json:"not_found"`
	Indices      int       `json:"indices"`
	ReportPath   string    `json:"report_path,omitempty"`
	ExportPath   string    `json:"export_path,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier sends Results.
type Notifier interface {
	SendFinalizationResult(ctx context.Context, r Result) error
}

// LogNotifier writes Results to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a Notifier backed by log.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

// SendFinalizationResult implements Notifier.
func (n *LogNotifier) SendFinalizationResult(_ context.Context, r Result) error {
	fields := []zap.Field{
		zap.String("kind", string(r.Kind)),
		zap.String("study_id", r.StudyID),
		zap.String("annot_version", r.AnnotVersion),
		zap.String("user", r.User),
		zap.Strings("job_ids", r.JobIDs),
		zap.Int("found", r.Found),
		zap.Int("not_found", r.NotFound),
		zap.Int("indices", r.Indices),
	}
	if r.ReportPath != "" {
		fields = append(fields, zap.String("report_path", r.ReportPath))
	}
	if r.ExportPath != "" {
		fields = append(fields, zap.String("export_path", r.ExportPath))
	}
	if r.Success {
		n.log.Info("operation succeeded", fields...)
		return nil
	}
	fields = append(fields, zap.String("code", r.Code), zap.String("reason", r.Reason))
	n.log.Warn("operation failed", fields...)
	return nil
}

// Multi fans a Result out to every notifier and joins their errors.
type Multi []Notifier

// SendFinalizationResult implements Notifier.
func (m Multi) SendFinalizationResult(ctx context.Context, r Result) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.SendFinalizationResult(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards Results.
type Nop struct{}

// SendFinalizationResult implements Notifier.
func (Nop) SendFinalizationResult(context.Context, Result) error { return nil }
