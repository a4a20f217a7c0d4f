package canonical

import (
	"time"

	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/types"
)

// SubmissionStatus tracks a case through external reporting.
type SubmissionStatus string

const (
	StatusPending      SubmissionStatus = "pending"
	StatusSubmitted    SubmissionStatus = "submitted"
	StatusAcknowledged SubmissionStatus = "acknowledged"
	StatusFailed       SubmissionStatus = "failed"
)

// allowedTransitions lists every forward move. failed -> pending is only
// reachable through Retry.
var allowedTransitions = map[SubmissionStatus][]SubmissionStatus{
	StatusPending:   {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusAcknowledged, StatusFailed},
}

// CanTransition reports whether a case may move from one status to another
// without a manual retry.
func CanTransition(from, to SubmissionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Case is a sample promoted for mandatory reporting. It is never deleted;
// only its submission status advances.
type Case struct {
	ID                types.ID         `json:"id"`
	SourceID          string           `json:"sourceId"`
	SampleID          string           `json:"sampleId"`
	SampleRevision    int              `json:"sampleRevision"`
	PatientID         string           `json:"patientId"`
	TestType          string           `json:"testType"`
	County            string           `json:"county"`
	CollectionDate    time.Time        `json:"collectionDate"`
	ReportedAt        time.Time        `json:"reportedAt"`
	SubmissionStatus  SubmissionStatus `json:"submissionStatus"`
	DestinationSystem string           `json:"destinationSystem"`
	LastError         string           `json:"lastError,omitempty"`
	Attempts          int              `json:"attempts"`
	UpdatedAt         time.Time        `json:"updatedAt"`

	transitions []StatusChange
}

// StatusChange is one entry of a case's audit trail.
type StatusChange struct {
	CaseID    types.ID         `json:"caseId"`
	From      SubmissionStatus `json:"from"`
	To        SubmissionStatus `json:"to"`
	Reason    string           `json:"reason,omitempty"`
	Actor     string           `json:"actor"`
	ChangedAt time.Time        `json:"changedAt"`
}

// CaseID derives the case ID from the sample it was promoted from, so the
// same sample always maps to the same case.
func CaseID(sourceID, sampleID string) types.ID {
	return types.NewDeterministicID("case", sourceID, sampleID)
}

// NewCase promotes a sample to a pending case for destination.
func NewCase(s Sample, destination string, now time.Time) *Case {
	return &Case{
		ID:                CaseID(s.SourceID, s.SampleID),
		SourceID:          s.SourceID,
		SampleID:          s.SampleID,
		SampleRevision:    s.Revision,
		PatientID:         s.PatientID,
		TestType:          s.TestType,
		County:            s.County,
		CollectionDate:    s.CollectionDate,
		ReportedAt:        now,
		SubmissionStatus:  StatusPending,
		DestinationSystem: destination,
		UpdatedAt:         now,
	}
}

// Transition advances the case status.
func (c *Case) Transition(to SubmissionStatus, actor, reason string, now time.Time) error {
	if !CanTransition(c.SubmissionStatus, to) {
		return errors.InvalidTransition(string(c.SubmissionStatus), string(to))
	}
	c.record(to, actor, reason, now)
	if to == StatusSubmitted {
		c.Attempts++
	}
	if to == StatusFailed {
		c.LastError = reason
	}
	return nil
}

// Retry resets a failed case to pending. This is the only way a case moves
// backward and it requires an explicit caller.
func (c *Case) Retry(actor string, now time.Time) error {
	if c.SubmissionStatus != StatusFailed {
		return errors.InvalidTransition(string(c.SubmissionStatus), string(StatusPending))
	}
	c.record(StatusPending, actor, "manual retry", now)
	c.LastError = ""
	return nil
}

func (c *Case) record(to SubmissionStatus, actor, reason string, now time.Time) {
	c.transitions = append(c.transitions, StatusChange{
		CaseID:    c.ID,
		From:      c.SubmissionStatus,
		To:        to,
		Reason:    reason,
		Actor:     actor,
		ChangedAt: now,
	})
	c.SubmissionStatus = to
	c.UpdatedAt = now
}

// Transitions returns the status changes recorded since the case was loaded.
func (c *Case) Transitions() []StatusChange {
	return c.transitions
}

// ClearTransitions drops recorded changes once they are persisted.
func (c *Case) ClearTransitions() {
	c.transitions = nil
}
