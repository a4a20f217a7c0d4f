// Package storage defines the canonical storage handle shared by the sync
// engine, the analytics engine and the report service.
package storage

import (
	"context"
	"time"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/types"
)

// SampleFilter selects samples by collection date and optional county.
type SampleFilter struct {
	County string
	Range  canonical.DateRange
}

// VectorFilter selects vector records by collection date, or by epi week
// when WeekEnding is set.
type VectorFilter struct {
	County     string
	Range      canonical.DateRange
	WeekEnding time.Time
}

// CaseFilter selects cases for submission.
type CaseFilter struct {
	Destination string
	Region      string
	Statuses    []canonical.SubmissionStatus
	Limit       int
}

// ReportFilter selects report history. From and To bound WeekEnding.
type ReportFilter struct {
	County string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Store is the read side of canonical storage plus a transactional write
// scope. Writers acquire a Tx per unit of work through WithinTx; nothing
// holds a connection between units of work.
type Store interface {
	GetCheckpoint(ctx context.Context, sourceID, region string) (canonical.SyncCheckpoint, bool, error)
	ListCheckpoints(ctx context.Context, region string) ([]canonical.SyncCheckpoint, error)

	// LatestRevisions returns the highest stored revision per key; keys that
	// are not stored are absent from the map.
	LatestRevisions(ctx context.Context, keys []canonical.SampleKey) (map[canonical.SampleKey]int, error)
	// ListSamples returns the latest revision of every sample in the filter.
	ListSamples(ctx context.Context, f SampleFilter) ([]canonical.Sample, error)

	GetCase(ctx context.Context, id types.ID) (*canonical.Case, error)
	ListCases(ctx context.Context, f CaseFilter) ([]*canonical.Case, error)
	CaseHistory(ctx context.Context, id types.ID) ([]canonical.StatusChange, error)
	CountCasesByStatus(ctx context.Context, region string) (map[canonical.SubmissionStatus]int, error)

	// ExistingVectorRecords reports which IDs are already stored.
	ExistingVectorRecords(ctx context.Context, ids []types.ID) (map[types.ID]bool, error)
	ListVectorRecords(ctx context.Context, f VectorFilter) ([]canonical.VectorRecord, error)

	GetReport(ctx context.Context, id types.ID) (*canonical.Report, error)
	ListReports(ctx context.Context, f ReportFilter) ([]canonical.Report, int, error)

	// WithinTx runs fn in one transaction. If fn returns an error nothing it
	// wrote is visible.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write scope handed to WithinTx callbacks.
type Tx interface {
	// SaveSamples inserts new sample revisions. Existing revisions are left
	// untouched.
	SaveSamples(ctx context.Context, samples []canonical.Sample) error
	SaveQuarantined(ctx context.Context, records []canonical.QuarantinedRecord) error

	// CreateCase inserts c unless a case with the same ID exists, in which
	// case only the sample reference fields are refreshed. It reports whether
	// a new case was created.
	CreateCase(ctx context.Context, c *canonical.Case) (bool, error)
	// UpdateCaseStatus persists c's status fields and its recorded
	// transitions.
	UpdateCaseStatus(ctx context.Context, c *canonical.Case) error

	// SaveVectorRecords inserts records not yet stored and returns how many
	// were inserted.
	SaveVectorRecords(ctx context.Context, records []canonical.VectorRecord) (int, error)

	// SaveCheckpoint upserts the checkpoint. LastSyncedAt never moves
	// backward.
	SaveCheckpoint(ctx context.Context, cp canonical.SyncCheckpoint) error

	SaveReport(ctx context.Context, r canonical.Report) error
}
