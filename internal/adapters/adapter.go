// Package adapters defines the capability interfaces every external system
// integration satisfies. Adapters translate between an external
// representation and the canonical model; they do not deduplicate or apply
// business validation.
package adapters

import (
	"context"
	"time"

	"github.com/phl-surveillance/platform/internal/canonical"
)

// PullRequest asks a source for records after Cursor within Window.
type PullRequest struct {
	Region string
	Cursor string
	Window canonical.DateRange
}

// PullResult is one batch from a source. Re-pulling the same cursor and
// window returns the same records, or a superset if the source added late
// data. HasMore is set when the source holds further pages after NextCursor.
type PullResult struct {
	Records    []canonical.RawSample
	NextCursor string
	HasMore    bool
}

// Source is a pull-style system such as a LIMS.
type Source interface {
	SourceID() string
	Pull(ctx context.Context, req PullRequest) (PullResult, error)
}

// SubmissionStatus is a sink's per-record verdict.
type SubmissionStatus string

const (
	SubmissionAccepted  SubmissionStatus = "accepted"
	SubmissionRejected  SubmissionStatus = "rejected"
	SubmissionDuplicate SubmissionStatus = "duplicate"
)

// SubmissionResult reports what a sink did with one record. Key is the
// sample ID for cases and the record key for vector records.
type SubmissionResult struct {
	Key    string           `json:"key"`
	Status SubmissionStatus `json:"status"`
	Reason string           `json:"reason,omitempty"`
}

// CaseSink submits reportable cases, e.g. a state disease-reporting system.
// Re-pushing an already acknowledged case must yield SubmissionDuplicate.
type CaseSink interface {
	SinkID() string
	PushCases(ctx context.Context, cases []canonical.Case) ([]SubmissionResult, error)
}

// VectorSink submits vector surveillance records for one epi week.
type VectorSink interface {
	SinkID() string
	PushVectorRecords(ctx context.Context, weekEnding time.Time, records []canonical.VectorRecord) ([]SubmissionResult, error)
}
