// Package nedss submits reportable cases to the state disease-reporting
// system.
package nedss

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/adapters/httpsink"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/config"
)

const batchPath = "/cases/batch"

// Adapter implements adapters.CaseSink.
type Adapter struct {
	client *httpsink.Client
	log    zerolog.Logger
}

// New creates a NEDSS adapter.
func New(cfg config.SinkConfig, log zerolog.Logger) *Adapter {
	return &Adapter{
		client: httpsink.New(cfg),
		log:    log.With().Str("adapter", cfg.SinkID).Logger(),
	}
}

// SinkID returns the configured sink identifier.
func (a *Adapter) SinkID() string {
	return a.client.SinkID()
}

// caseMessage is the NEDSS electronic case report.
type caseMessage struct {
	LocalCaseID    string    `json:"localCaseId"`
	SampleID       string    `json:"sampleId"`
	SampleRevision int       `json:"sampleRevision"`
	PatientID      string    `json:"patientId"`
	TestType       string    `json:"testType"`
	Result         string    `json:"result"`
	County         string    `json:"county"`
	CollectionDate string    `json:"collectionDate"`
	ReportedAt     time.Time `json:"reportedAt"`
}

type batchRequest struct {
	Cases []caseMessage `json:"cases"`
}

type batchResponse struct {
	Results []struct {
		SampleID string `json:"sampleId"`
		Status   string `json:"status"`
		Reason   string `json:"reason,omitempty"`
	} `json:"results"`
}

// PushCases submits a batch and returns one result per case the sink
// answered for.
func (a *Adapter) PushCases(ctx context.Context, cases []canonical.Case) ([]adapters.SubmissionResult, error) {
	if len(cases) == 0 {
		return nil, nil
	}

	req := batchRequest{Cases: make([]caseMessage, 0, len(cases))}
	for _, c := range cases {
		req.Cases = append(req.Cases, caseMessage{
			LocalCaseID:    c.ID.String(),
			SampleID:       c.SampleID,
			SampleRevision: c.SampleRevision,
			PatientID:      c.PatientID,
			TestType:       c.TestType,
			Result:         string(canonical.ResultPositive),
			County:         c.County,
			CollectionDate: c.CollectionDate.Format("2006-01-02"),
			ReportedAt:     c.ReportedAt.UTC(),
		})
	}

	var resp batchResponse
	if err := a.client.PostJSON(ctx, batchPath, req, &resp); err != nil {
		return nil, err
	}

	results := make([]adapters.SubmissionResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		status, known := httpsink.ParseStatus(r.Status)
		reason := r.Reason
		if !known {
			reason = fmt.Sprintf("unrecognized status %q: %s", r.Status, r.Reason)
		}
		results = append(results, adapters.SubmissionResult{Key: r.SampleID, Status: status, Reason: reason})
	}

	a.log.Debug().Int("cases", len(cases)).Int("results", len(results)).Msg("case batch submitted")
	return results, nil
}
