package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/events"
	"github.com/phl-surveillance/platform/internal/storage/memory"
)

type recordingVectorSink struct {
	weeks   []time.Time
	batches [][]canonical.VectorRecord
}

func (s *recordingVectorSink) SinkID() string { return "arboret" }

func (s *recordingVectorSink) PushVectorRecords(ctx context.Context, weekEnding time.Time, records []canonical.VectorRecord) ([]adapters.SubmissionResult, error) {
	s.weeks = append(s.weeks, weekEnding)
	s.batches = append(s.batches, records)

	out := make([]adapters.SubmissionResult, 0, len(records))
	for _, r := range records {
		status := adapters.SubmissionAccepted
		if r.Count == 0 {
			status = adapters.SubmissionRejected
		}
		out = append(out, adapters.SubmissionResult{Key: r.RecordKey, Status: status})
	}
	return out, nil
}

func trapEvents() []canonical.RawVectorRecord {
	return []canonical.RawVectorRecord{
		{RecordKey: "T-100", Species: "Culex pipiens", Count: 42, TrapType: "gravid", CollectionDate: "2024-06-03", County: "philadelphia"},
		{RecordKey: "T-101", Species: "Aedes albopictus", Count: 0, TrapType: "BG-sentinel", CollectionDate: "2024-06-04", County: "PHILADELPHIA"},
		{RecordKey: "T-102", Species: "Culex pipiens", Count: -3, TrapType: "gravid", CollectionDate: "2024-06-04", County: "PHILADELPHIA"},
	}
}

func TestIngestVectorRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, memory.New())

	result, err := env.engine.IngestVectorRecords(ctx, "vector-feed", trapEvents())
	if err != nil {
		t.Fatalf("IngestVectorRecords failed: %v", err)
	}
	if result.Received != 3 || result.Inserted != 2 || len(result.Quarantined) != 1 {
		t.Errorf("Expected received=3 inserted=2 quarantined=1, got %+v", result)
	}
	if result.Quarantined[0].Field != "count" {
		t.Errorf("Expected count quarantine, got %s", result.Quarantined[0].Field)
	}

	again, err := env.engine.IngestVectorRecords(ctx, "vector-feed", trapEvents())
	if err != nil {
		t.Fatalf("second IngestVectorRecords failed: %v", err)
	}
	if again.Inserted != 0 || again.Duplicates != 2 {
		t.Errorf("Expected redelivery to insert nothing, got %+v", again)
	}
	if got := len(env.events.Events(events.TypeVectorsIngested)); got != 1 {
		t.Errorf("Expected 1 ingested event, got %d", got)
	}
}

func TestPushVectorRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, memory.New())
	sink := &recordingVectorSink{}
	env.registry.RegisterVectorSink(sink)

	if _, err := env.engine.IngestVectorRecords(ctx, "vector-feed", trapEvents()); err != nil {
		t.Fatalf("IngestVectorRecords failed: %v", err)
	}

	week := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	result, err := env.engine.PushVectorRecords(ctx, "arboret", testRegion, week)
	if err != nil {
		t.Fatalf("PushVectorRecords failed: %v", err)
	}
	if result.Submitted != 2 || result.Accepted != 1 || result.Rejected != 1 {
		t.Errorf("Expected submitted=2 accepted=1 rejected=1, got %+v", result)
	}
	if len(sink.weeks) != 1 || !sink.weeks[0].Equal(week) {
		t.Errorf("Expected one batch for %s, got %v", week.Format("2006-01-02"), sink.weeks)
	}
	if result.State != JobCompleted {
		t.Errorf("Expected job completed, got %s", result.State)
	}
}

func TestPushVectorRecordsRequiresSaturday(t *testing.T) {
	env := newTestEnv(t, memory.New())
	env.registry.RegisterVectorSink(&recordingVectorSink{})

	friday := time.Date(2024, 6, 7, 0, 0, 0, 0, time.UTC)
	_, err := env.engine.PushVectorRecords(context.Background(), "arboret", testRegion, friday)
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
