// Package canonical holds the shared surveillance entities and the rules that
// turn raw source records into them.
package canonical

import (
	"time"

	"github.com/phl-surveillance/platform/internal/shared/types"
)

// Result is the normalized outcome of a lab test.
type Result string

const (
	ResultPositive      Result = "positive"
	ResultNegative      Result = "negative"
	ResultIndeterminate Result = "indeterminate"
)

// GeoPoint is an optional collection location.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RawSample is a lab record as translated by a source adapter, before
// validation. Dates and results are still the source's free text.
type RawSample struct {
	SourceID       string   `json:"sourceId"`
	SampleID       string   `json:"sampleId"`
	Revision       int      `json:"revision"`
	PatientID      string   `json:"patientId"`
	TestType       string   `json:"testType"`
	Result         string   `json:"result"`
	CollectionDate string   `json:"collectionDate"`
	County         string   `json:"county"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
}

// Sample is one validated lab test. Samples are never updated; a revised
// result from the source is stored as a new revision of the same SampleID.
type Sample struct {
	SourceID           string    `json:"sourceId"`
	SampleID           string    `json:"sampleId"`
	Revision           int       `json:"revision"`
	SupersedesRevision *int      `json:"supersedesRevision,omitempty"`
	PatientID          string    `json:"patientId"`
	TestType           string    `json:"testType"`
	Result             Result    `json:"result"`
	CollectionDate     time.Time `json:"collectionDate"`
	County             string    `json:"county"`
	Location           *GeoPoint `json:"location,omitempty"`
	Warnings           []string  `json:"warnings,omitempty"`
	IngestedAt         time.Time `json:"ingestedAt"`
}

// Key returns the deduplication key of the sample.
func (s Sample) Key() SampleKey {
	return SampleKey{SourceID: s.SourceID, SampleID: s.SampleID, CollectionDate: s.CollectionDate}
}

// SampleKey identifies a sample across revisions.
type SampleKey struct {
	SourceID       string
	SampleID       string
	CollectionDate time.Time
}

// RawVectorRecord is a trap collection event before validation.
type RawVectorRecord struct {
	SourceID       string   `json:"sourceId"`
	RecordKey      string   `json:"recordKey"`
	Species        string   `json:"species"`
	Count          int      `json:"count"`
	TrapType       string   `json:"trapType"`
	CollectionDate string   `json:"collectionDate"`
	County         string   `json:"county"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	WeekEnding     string   `json:"weekEnding,omitempty"`
}

// VectorRecord is a validated, immutable trapping event.
type VectorRecord struct {
	ID             types.ID  `json:"id"`
	SourceID       string    `json:"sourceId"`
	RecordKey      string    `json:"recordKey"`
	Species        string    `json:"species"`
	Count          int       `json:"count"`
	TrapType       string    `json:"trapType"`
	CollectionDate time.Time `json:"collectionDate"`
	County         string    `json:"county"`
	Location       *GeoPoint `json:"location,omitempty"`
	WeekEnding     time.Time `json:"weekEnding"`
	IngestedAt     time.Time `json:"ingestedAt"`
}

// SyncCheckpoint is the resumable cursor for one (source, region) pair.
// Sources filter their scan by the requested window, so LastCursor is only
// meaningful for the Window it was taken under.
type SyncCheckpoint struct {
	SourceID     string    `json:"sourceId"`
	Region       string    `json:"region"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	LastCursor   string    `json:"lastCursor"`
	Window       DateRange `json:"window"`
}

// CursorFor returns the cursor to resume a pull of w from. A different
// window starts from the beginning of the source.
func (c SyncCheckpoint) CursorFor(w DateRange) string {
	if !c.Window.Equal(w) {
		return ""
	}
	return c.LastCursor
}

// Advance returns the checkpoint moved to cursor at syncedAt. LastSyncedAt
// never moves backward.
func (c SyncCheckpoint) Advance(cursor string, syncedAt time.Time) SyncCheckpoint {
	next := c
	next.LastCursor = cursor
	if syncedAt.After(c.LastSyncedAt) {
		next.LastSyncedAt = syncedAt
	}
	return next
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange truncates both ends to UTC days and rejects inverted ranges.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: Day(start), End: Day(end)}
	if r.End.Before(r.Start) {
		return DateRange{}, &ValidationError{Field: "range", Reason: "end date is before start date"}
	}
	return r, nil
}

// Equal reports whether both ranges cover the same days.
func (r DateRange) Equal(o DateRange) bool {
	return Day(r.Start).Equal(Day(o.Start)) && Day(r.End).Equal(Day(o.End))
}

// Contains reports whether t falls on a day inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days returns the number of calendar days covered.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// QuarantinedRecord is a raw record that failed validation. It is kept for
// audit and never enters canonical storage.
type QuarantinedRecord struct {
	ID            types.ID  `json:"id"`
	JobID         types.ID  `json:"jobId"`
	SourceID      string    `json:"sourceId"`
	Region        string    `json:"region"`
	RecordKey     string    `json:"recordKey"`
	Field         string    `json:"field"`
	Reason        string    `json:"reason"`
	Payload       []byte    `json:"-"`
	QuarantinedAt time.Time `json:"quarantinedAt"`
}
