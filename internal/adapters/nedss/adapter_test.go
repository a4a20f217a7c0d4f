package nedss

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/config"
	apperrors "github.com/phl-surveillance/platform/internal/shared/errors"
)

// fakeNedss acknowledges each sample once and rejects samples without a
// patient.
type fakeNedss struct {
	mu       sync.Mutex
	seen     map[string]bool
	requests int
	apiKey   string
}

func (f *fakeNedss) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.apiKey = r.Header.Get("X-API-Key")

	if r.URL.Path != batchPath {
		http.NotFound(w, r)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp batchResponse
	for _, c := range req.Cases {
		entry := struct {
			SampleID string `json:"sampleId"`
			Status   string `json:"status"`
			Reason   string `json:"reason,omitempty"`
		}{SampleID: c.SampleID}
		switch {
		case c.PatientID == "":
			entry.Status, entry.Reason = "REJECTED", "patient identifier required"
		case f.seen[c.SampleID]:
			entry.Status = "DUPLICATE"
		default:
			f.seen[c.SampleID] = true
			entry.Status = "ACCEPTED"
		}
		resp.Results = append(resp.Results, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func testCase(sampleID, patientID string) canonical.Case {
	now := time.Date(2024, 6, 9, 12, 0, 0, 0, time.UTC)
	s := canonical.Sample{
		SourceID:       "labware",
		SampleID:       sampleID,
		Revision:       1,
		PatientID:      patientID,
		TestType:       "WNV-PCR",
		Result:         canonical.ResultPositive,
		CollectionDate: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		County:         "KERN",
	}
	return *canonical.NewCase(s, "nedss", now)
}

func newAdapter(url string) *Adapter {
	return New(config.SinkConfig{
		SinkID:            "nedss",
		BaseURL:           url,
		APIKey:            "secret-key",
		RequestsPerSecond: 100,
		Burst:             10,
		Timeout:           2 * time.Second,
	}, zerolog.Nop())
}

func TestPushCasesResults(t *testing.T) {
	fake := &fakeNedss{seen: map[string]bool{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newAdapter(srv.URL)
	results, err := a.PushCases(context.Background(), []canonical.Case{
		testCase("S-1", "PSE-a"),
		testCase("S-2", ""),
	})
	if err != nil {
		t.Fatalf("PushCases failed: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Key != "S-1" || results[0].Status != adapters.SubmissionAccepted {
		t.Errorf("Expected S-1 accepted, got %+v", results[0])
	}
	if results[1].Status != adapters.SubmissionRejected || results[1].Reason == "" {
		t.Errorf("Expected S-2 rejected with reason, got %+v", results[1])
	}
	if fake.apiKey != "secret-key" {
		t.Errorf("Expected API key header, got %q", fake.apiKey)
	}
}

func TestRePushReturnsDuplicate(t *testing.T) {
	fake := &fakeNedss{seen: map[string]bool{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := newAdapter(srv.URL)
	batch := []canonical.Case{testCase("S-1", "PSE-a")}

	if _, err := a.PushCases(context.Background(), batch); err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	results, err := a.PushCases(context.Background(), batch)
	if err != nil {
		t.Fatalf("second push failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != adapters.SubmissionDuplicate {
		t.Errorf("Expected duplicate on re-push, got %+v", results)
	}
}

func TestPushCasesServerErrorIsAdapterUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newAdapter(srv.URL).PushCases(context.Background(), []canonical.Case{testCase("S-1", "PSE-a")})
	if !apperrors.Is(err, apperrors.ErrAdapterUnavailable) {
		t.Errorf("Expected ErrAdapterUnavailable, got %v", err)
	}
}

func TestPushCasesEmptyBatchSkipsRequest(t *testing.T) {
	fake := &fakeNedss{seen: map[string]bool{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	results, err := newAdapter(srv.URL).PushCases(context.Background(), nil)
	if err != nil || results != nil {
		t.Errorf("Expected no-op, got %v, %v", results, err)
	}
	if fake.requests != 0 {
		t.Errorf("Expected no requests, got %d", fake.requests)
	}
}
