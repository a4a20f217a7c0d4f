package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

var day = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func sample(id string, rev int, result canonical.Result) canonical.Sample {
	return canonical.Sample{
		SourceID:       "labware",
		SampleID:       id,
		Revision:       rev,
		Result:         result,
		CollectionDate: day,
		County:         "KERN",
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		tx.SaveSamples(ctx, []canonical.Sample{sample("S-1", 1, canonical.ResultPositive)})
		tx.SaveCheckpoint(ctx, canonical.SyncCheckpoint{SourceID: "labware", Region: "KERN", LastCursor: "10", LastSyncedAt: day})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	revs, _ := s.LatestRevisions(ctx, []canonical.SampleKey{sample("S-1", 1, "").Key()})
	if len(revs) != 0 {
		t.Error("Expected no samples after rollback")
	}
	if _, ok, _ := s.GetCheckpoint(ctx, "labware", "KERN"); ok {
		t.Error("Expected no checkpoint after rollback")
	}
}

func TestLatestRevisionAndListSamples(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.SaveSamples(ctx, []canonical.Sample{
			sample("S-1", 1, canonical.ResultNegative),
			sample("S-1", 2, canonical.ResultPositive),
			sample("S-2", 1, canonical.ResultNegative),
		})
	})

	revs, err := s.LatestRevisions(ctx, []canonical.SampleKey{sample("S-1", 0, "").Key(), sample("S-9", 0, "").Key()})
	if err != nil {
		t.Fatalf("LatestRevisions failed: %v", err)
	}
	if revs[sample("S-1", 0, "").Key()] != 2 {
		t.Errorf("Expected latest revision 2, got %v", revs)
	}
	if len(revs) != 1 {
		t.Errorf("Expected unknown key absent, got %v", revs)
	}

	all, _ := s.ListSamples(ctx, storage.SampleFilter{Range: canonical.DateRange{Start: day, End: day}})
	if len(all) != 2 {
		t.Fatalf("Expected 2 samples (latest revisions), got %d", len(all))
	}
	if all[0].SampleID != "S-1" || all[0].Result != canonical.ResultPositive {
		t.Errorf("Expected revised S-1 to be positive, got %+v", all[0])
	}
}

func TestCheckpointNeverMovesBackward(t *testing.T) {
	s := New()
	ctx := context.Background()
	later := day.Add(48 * time.Hour)

	s.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.SaveCheckpoint(ctx, canonical.SyncCheckpoint{SourceID: "labware", Region: "KERN", LastCursor: "a", LastSyncedAt: later})
	})
	s.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.SaveCheckpoint(ctx, canonical.SyncCheckpoint{SourceID: "labware", Region: "KERN", LastCursor: "b", LastSyncedAt: day})
	})

	cp, ok, _ := s.GetCheckpoint(ctx, "labware", "KERN")
	if !ok {
		t.Fatal("Expected checkpoint")
	}
	if !cp.LastSyncedAt.Equal(later) {
		t.Errorf("Expected LastSyncedAt to stay at %v, got %v", later, cp.LastSyncedAt)
	}
	if cp.LastCursor != "b" {
		t.Errorf("Expected cursor b, got %s", cp.LastCursor)
	}
}

func TestCreateCaseIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	c := canonical.NewCase(sample("S-1", 1, canonical.ResultPositive), "nedss", day)

	var first, second bool
	s.WithinTx(ctx, func(tx storage.Tx) error {
		first, _ = tx.CreateCase(ctx, c)
		return nil
	})

	c.Transition(canonical.StatusSubmitted, "test", "", day)
	s.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateCaseStatus(ctx, c)
	})

	revised := canonical.NewCase(sample("S-1", 2, canonical.ResultPositive), "nedss", day)
	s.WithinTx(ctx, func(tx storage.Tx) error {
		second, _ = tx.CreateCase(ctx, revised)
		return nil
	})

	if !first || second {
		t.Errorf("Expected created=true then false, got %v, %v", first, second)
	}
	got, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if got.SubmissionStatus != canonical.StatusSubmitted {
		t.Errorf("Expected status to survive re-promotion, got %s", got.SubmissionStatus)
	}
	if got.SampleRevision != 2 {
		t.Errorf("Expected sample revision 2, got %d", got.SampleRevision)
	}

	history, _ := s.CaseHistory(ctx, c.ID)
	if len(history) != 1 || history[0].To != canonical.StatusSubmitted {
		t.Errorf("Expected one recorded transition, got %+v", history)
	}
}

func TestListReportsPagination(t *testing.T) {
	s := New()
	ctx := context.Background()
	week := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		r := canonical.Report{
			ID:          types.NewID(),
			County:      "KERN",
			WeekEnding:  week,
			ReportType:  canonical.ReportWeekly,
			GeneratedAt: day.Add(time.Duration(i) * time.Hour),
		}
		s.WithinTx(ctx, func(tx storage.Tx) error { return tx.SaveReport(ctx, r) })
	}

	page, total, err := s.ListReports(ctx, storage.ReportFilter{County: "KERN", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("Expected 2 of 5, got %d of %d", len(page), total)
	}
	if !page[0].GeneratedAt.Equal(day.Add(3 * time.Hour)) {
		t.Errorf("Expected newest-first ordering, got %v", page[0].GeneratedAt)
	}

	none, total, _ := s.ListReports(ctx, storage.ReportFilter{County: "FRESNO"})
	if total != 0 || len(none) != 0 {
		t.Errorf("Expected no FRESNO reports, got %d", total)
	}
}

func TestSaveVectorRecordsSkipsExisting(t *testing.T) {
	s := New()
	ctx := context.Background()
	v := canonical.VectorRecord{ID: canonical.VectorRecordID("feed", "T-1"), SourceID: "feed", RecordKey: "T-1"}

	var first, second int
	s.WithinTx(ctx, func(tx storage.Tx) error {
		first, _ = tx.SaveVectorRecords(ctx, []canonical.VectorRecord{v, v})
		return nil
	})
	s.WithinTx(ctx, func(tx storage.Tx) error {
		second, _ = tx.SaveVectorRecords(ctx, []canonical.VectorRecord{v})
		return nil
	})

	if first != 1 || second != 0 {
		t.Errorf("Expected 1 then 0 inserted, got %d then %d", first, second)
	}
}
