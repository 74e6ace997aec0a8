// Package events publishes import lifecycle notifications so downstream
// systems can react to finished imports without polling.
package events

import "context"

// ImportCompleted is the payload emitted once per finished import.
type ImportCompleted struct {
	UploadID         string `json:"upload_id"`
	Filename         string `json:"filename"`
	Format           string `json:"format"`
	Success          bool   `json:"success"`
	PatientCount     int    `json:"patient_count"`
	VisitCount       int    `json:"visit_count"`
	ObservationCount int    `json:"observation_count"`
	ErrorCount       int    `json:"error_count"`
	WarningCount     int    `json:"warning_count"`
}

// Publisher emits import events to a broker.
type Publisher interface {
	PublishImportCompleted(ctx context.Context, event ImportCompleted) error
	Close() error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishImportCompleted(context.Context, ImportCompleted) error { return nil }
func (NopPublisher) Close() error                                                  { return nil }
