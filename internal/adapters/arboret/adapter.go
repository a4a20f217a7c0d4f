// Package arboret submits vector surveillance records to ArboNET.
package arboret

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

// Adapter implements adapters.VectorSink.
type Adapter struct {
	client *httpsink.Client
	log    zerolog.Logger
}

// New creates an ArboNET adapter.
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

type collection struct {
	RecordKey      string   `json:"recordKey"`
	Species        string   `json:"species"`
	Count          int      `json:"count"`
	TrapType       string   `json:"trapType"`
	CollectionDate string   `json:"collectionDate"`
	County         string   `json:"county"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
}

type weekSubmission struct {
	WeekEnding  string       `json:"weekEnding"`
	Collections []collection `json:"collections"`
}

type weekResponse struct {
	Results []struct {
		RecordKey string `json:"recordKey"`
		Status    string `json:"status"`
		Reason    string `json:"reason,omitempty"`
	} `json:"results"`
}

// PushVectorRecords submits one epi week of collections. Records whose
// WeekEnding differs from weekEnding are rejected locally.
func (a *Adapter) PushVectorRecords(ctx context.Context, weekEnding time.Time, records []canonical.VectorRecord) ([]adapters.SubmissionResult, error) {
	week := canonical.Day(weekEnding)
	if week.Weekday() != time.Saturday {
		return nil, fmt.Errorf("week ending %s is not a Saturday", week.Format("2006-01-02"))
	}

	var results []adapters.SubmissionResult
	req := weekSubmission{WeekEnding: week.Format("2006-01-02")}
	for _, r := range records {
		if !canonical.Day(r.WeekEnding).Equal(week) {
			results = append(results, adapters.SubmissionResult{
				Key:    r.RecordKey,
				Status: adapters.SubmissionRejected,
				Reason: "record belongs to week ending " + r.WeekEnding.Format("2006-01-02"),
			})
			continue
		}
		c := collection{
			RecordKey:      r.RecordKey,
			Species:        r.Species,
			Count:          r.Count,
			TrapType:       r.TrapType,
			CollectionDate: r.CollectionDate.Format("2006-01-02"),
			County:         r.County,
		}
		if r.Location != nil {
			lat, lon := r.Location.Latitude, r.Location.Longitude
			c.Latitude, c.Longitude = &lat, &lon
		}
		req.Collections = append(req.Collections, c)
	}
	if len(req.Collections) == 0 {
		return results, nil
	}

	var resp weekResponse
	path := "/weeks/" + req.WeekEnding + "/collections"
	if err := a.client.PostJSON(ctx, path, req, &resp); err != nil {
		return nil, err
	}

	for _, r := range resp.Results {
		status, known := httpsink.ParseStatus(r.Status)
		reason := r.Reason
		if !known {
			reason = fmt.Sprintf("unrecognized status %q: %s", r.Status, r.Reason)
		}
		results = append(results, adapters.SubmissionResult{Key: r.RecordKey, Status: status, Reason: reason})
	}

	a.log.Debug().Str("week_ending", req.WeekEnding).Int("records", len(req.Collections)).Msg("vector week submitted")
	return results, nil
}
