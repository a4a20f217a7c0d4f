package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/database"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

// newTestStore connects to TEST_DATABASE_URL and applies migrations. Tests
// are skipped when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool, zerolog.Nop()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	for _, table := range []string{"case_status_history", "cases", "samples", "vector_records", "sync_checkpoints", "quarantined_records", "reports"} {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
	return New(pool)
}

func TestPostgresSampleRevisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	samples := []canonical.Sample{
		{SourceID: "labware", SampleID: "S-1", Revision: 1, Result: canonical.ResultNegative, CollectionDate: day, County: "KERN", IngestedAt: day},
		{SourceID: "labware", SampleID: "S-1", Revision: 2, Result: canonical.ResultPositive, CollectionDate: day, County: "KERN", IngestedAt: day},
	}
	if err := s.WithinTx(ctx, func(tx storage.Tx) error { return tx.SaveSamples(ctx, samples) }); err != nil {
		t.Fatalf("SaveSamples failed: %v", err)
	}

	revs, err := s.LatestRevisions(ctx, []canonical.SampleKey{samples[0].Key()})
	if err != nil {
		t.Fatalf("LatestRevisions failed: %v", err)
	}
	if revs[samples[0].Key()] != 2 {
		t.Errorf("Expected revision 2, got %v", revs)
	}

	listed, err := s.ListSamples(ctx, storage.SampleFilter{County: "KERN", Range: canonical.DateRange{Start: day, End: day}})
	if err != nil {
		t.Fatalf("ListSamples failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Result != canonical.ResultPositive {
		t.Errorf("Expected latest positive revision, got %+v", listed)
	}
}

func TestPostgresCaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC)

	c := canonical.NewCase(canonical.Sample{
		SourceID: "labware", SampleID: "S-1", Revision: 1, Result: canonical.ResultPositive,
		CollectionDate: now.AddDate(0, 0, -3), County: "KERN",
	}, "nedss", now)

	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		created, err := tx.CreateCase(ctx, c)
		if err != nil {
			return err
		}
		if !created {
			t.Error("Expected case to be created")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}

	c.Transition(canonical.StatusSubmitted, "test", "", now)
	c.Transition(canonical.StatusFailed, "test", "rejected", now)
	if err := s.WithinTx(ctx, func(tx storage.Tx) error { return tx.UpdateCaseStatus(ctx, c) }); err != nil {
		t.Fatalf("UpdateCaseStatus failed: %v", err)
	}

	got, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if got.SubmissionStatus != canonical.StatusFailed || got.LastError != "rejected" || got.Attempts != 1 {
		t.Errorf("Unexpected case state: %+v", got)
	}

	history, err := s.CaseHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("CaseHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("Expected 2 history entries, got %d", len(history))
	}

	counts, _ := s.CountCasesByStatus(ctx, "KERN")
	if counts[canonical.StatusFailed] != 1 {
		t.Errorf("Expected 1 failed case, got %v", counts)
	}
}

func TestPostgresReportsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	week := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r := canonical.Report{
			ID:          types.NewID(),
			County:      "KERN",
			WeekEnding:  week,
			ReportType:  canonical.ReportWeekly,
			GeneratedAt: week.Add(time.Duration(i) * time.Minute),
			GeneratedBy: "analyst-1",
			SyncStatus:  canonical.SyncStatus{CaseCounts: map[canonical.SubmissionStatus]int{}},
		}
		if err := s.WithinTx(ctx, func(tx storage.Tx) error { return tx.SaveReport(ctx, r) }); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}
	}

	items, total, err := s.ListReports(ctx, storage.ReportFilter{County: "KERN", Limit: 10})
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("Expected 3 reports, got %d/%d", len(items), total)
	}
	if !items[0].GeneratedAt.After(items[2].GeneratedAt) {
		t.Error("Expected newest first")
	}
}

func TestPostgresCheckpointKeepsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	window := canonical.DateRange{
		Start: time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
	}
	cp := canonical.SyncCheckpoint{
		SourceID:     "labware",
		Region:       "KERN",
		LastSyncedAt: time.Date(2024, 6, 16, 8, 0, 0, 0, time.UTC),
		LastCursor:   "40",
		Window:       window,
	}
	if err := s.WithinTx(ctx, func(tx storage.Tx) error { return tx.SaveCheckpoint(ctx, cp) }); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	got, ok, err := s.GetCheckpoint(ctx, "labware", "KERN")
	if err != nil || !ok {
		t.Fatalf("GetCheckpoint failed: ok=%v err=%v", ok, err)
	}
	if !got.Window.Equal(window) {
		t.Errorf("Expected window %v, got %v", window, got.Window)
	}
	if got.CursorFor(window) != "40" {
		t.Errorf("Expected cursor 40 for the stored window, got %q", got.CursorFor(window))
	}
}
