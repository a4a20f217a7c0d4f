package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
)

func window(t *testing.T) canonical.DateRange {
	t.Helper()
	w, err := canonical.NewDateRange(
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("NewDateRange failed: %v", err)
	}
	return w
}

func TestGenerateIsDeterministic(t *testing.T) {
	w := window(t)
	a := Generate("labware", "KERN", w, 25, 3)
	b := Generate("labware", "KERN", w, 25, 3)

	if len(a) != 25 {
		t.Fatalf("Expected 25 records, got %d", len(a))
	}
	positives := 0
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Expected identical output at %d", i)
		}
		if a[i].Result == "Detected" {
			positives++
		}
		d, err := canonical.ParseDate(a[i].CollectionDate)
		if err != nil || !w.Contains(d) {
			t.Errorf("Record %d has date %s outside window", i, a[i].CollectionDate)
		}
	}
	if positives != 3 {
		t.Errorf("Expected 3 positives, got %d", positives)
	}
}

func TestPullPagesAndResumes(t *testing.T) {
	w := window(t)
	src := NewSource("labware", Generate("labware", "KERN", w, 5, 0))
	src.PageSize = 3

	first, err := src.Pull(context.Background(), adapters.PullRequest{Region: "KERN", Window: w})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(first.Records) != 3 || !first.HasMore {
		t.Fatalf("Expected full first page with more, got %d records, more=%v", len(first.Records), first.HasMore)
	}

	second, err := src.Pull(context.Background(), adapters.PullRequest{Region: "KERN", Window: w, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(second.Records) != 2 || second.HasMore {
		t.Errorf("Expected final page of 2, got %d records, more=%v", len(second.Records), second.HasMore)
	}

	again, _ := src.Pull(context.Background(), adapters.PullRequest{Region: "KERN", Window: w, Cursor: first.NextCursor})
	if len(again.Records) != len(second.Records) || again.NextCursor != second.NextCursor {
		t.Error("Expected re-pull from the same cursor to return the same page")
	}
}

func TestPullFiltersRegionAndWindow(t *testing.T) {
	w := window(t)
	records := Generate("labware", "KERN", w, 2, 0)
	records = append(records, Generate("labware", "FRESNO", w, 2, 0)...)
	outside := Generate("labware", "KERN", w, 1, 0)[0]
	outside.SampleID = "outside"
	outside.CollectionDate = "2024-05-01"
	records = append(records, outside)

	src := NewSource("labware", records)
	got, err := src.Pull(context.Background(), adapters.PullRequest{Region: "KERN", Window: w})
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(got.Records) != 2 {
		t.Errorf("Expected 2 KERN records in window, got %d", len(got.Records))
	}
}
