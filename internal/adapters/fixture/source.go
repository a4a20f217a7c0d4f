// Package fixture provides a deterministic in-memory Source for tests and
// local development. It is never registered in production.
package fixture

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
)

// Source serves a fixed record set. The cursor is the offset into Records,
// so re-pulling from the same cursor returns the same records plus any
// appended since.
type Source struct {
	ID       string
	PageSize int

	mu      sync.Mutex
	records []canonical.RawSample
	pulls   int
}

// NewSource creates a fixture source holding records.
func NewSource(id string, records []canonical.RawSample) *Source {
	return &Source{ID: id, records: records}
}

// SourceID returns the fixture's identifier.
func (s *Source) SourceID() string {
	return s.ID
}

// Append adds late-arriving records.
func (s *Source) Append(records ...canonical.RawSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

// Pulls returns how many times Pull was called.
func (s *Source) Pulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

// Pull returns records after the cursor offset for the region. Records with
// unparseable dates are passed through so validation can quarantine them.
func (s *Source) Pull(ctx context.Context, req adapters.PullRequest) (adapters.PullResult, error) {
	if err := ctx.Err(); err != nil {
		return adapters.PullResult{}, err
	}

	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return adapters.PullResult{}, fmt.Errorf("invalid fixture cursor %q", req.Cursor)
		}
		offset = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++

	result := adapters.PullResult{NextCursor: req.Cursor}
	i := offset
	for ; i < len(s.records); i++ {
		if s.PageSize > 0 && len(result.Records) == s.PageSize {
			result.HasMore = true
			break
		}
		r := s.records[i]
		if r.County != req.Region {
			continue
		}
		if d, err := canonical.ParseDate(r.CollectionDate); err == nil && !req.Window.Contains(d) {
			continue
		}
		result.Records = append(result.Records, r)
	}
	if i > offset {
		result.NextCursor = strconv.Itoa(i)
	}
	return result, nil
}

// Generate builds total samples spread across window for region, the first
// positives of which are positive. Output depends only on the arguments.
func Generate(sourceID, region string, window canonical.DateRange, total, positives int) []canonical.RawSample {
	days := window.Days()
	out := make([]canonical.RawSample, 0, total)
	for i := 0; i < total; i++ {
		result := "Not Detected"
		if i < positives {
			result = "Detected"
		}
		out = append(out, canonical.RawSample{
			SourceID:       sourceID,
			SampleID:       fmt.Sprintf("%s-%s-%04d", sourceID, region, i+1),
			Revision:       1,
			PatientID:      fmt.Sprintf("PSE-%032d", i+1),
			TestType:       "WNV-PCR",
			Result:         result,
			CollectionDate: window.Start.Add(time.Duration(i%days) * 24 * time.Hour).Format("2006-01-02"),
			County:         region,
		})
	}
	return out
}
