package labware

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/privacy"
	"github.com/phl-surveillance/platform/internal/shared/config"
	apperrors "github.com/phl-surveillance/platform/internal/shared/errors"
)

func newTestAdapter(t *testing.T, pageSize int) *Adapter {
	t.Helper()
	p, err := privacy.NewPseudonymizer([]byte("test-pseudonym-key-0123456789"))
	if err != nil {
		t.Fatalf("NewPseudonymizer failed: %v", err)
	}
	return New(config.LabwareConfig{
		SourceID: "labware",
		Server:   "127.0.0.1",
		Port:     1,
		Database: "LIMS",
		PageSize: pageSize,
	}, p, zerolog.Nop())
}

func TestCursorRoundTrip(t *testing.T) {
	want := position{ChangedOn: time.Date(2024, 6, 3, 10, 4, 5, 123000000, time.UTC), ResultID: 998877}

	got, err := decodeCursor(encodeCursor(want))
	if err != nil {
		t.Fatalf("decodeCursor failed: %v", err)
	}
	if !got.ChangedOn.Equal(want.ChangedOn) || got.ResultID != want.ResultID {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestDecodeCursorEmptyStartsAtBeginning(t *testing.T) {
	got, err := decodeCursor("")
	if err != nil {
		t.Fatalf("decodeCursor failed: %v", err)
	}
	if got.ResultID != 0 || got.ChangedOn.Year() != 1900 {
		t.Errorf("Expected start position, got %+v", got)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "bm8tc2VwYXJhdG9y", "eHx5"} {
		if _, err := decodeCursor(token); err == nil {
			t.Errorf("Expected error for cursor %q", token)
		}
	}
}

func TestToPullResultMapsRows(t *testing.T) {
	a := newTestAdapter(t, 2)
	changed := time.Date(2024, 6, 4, 8, 0, 0, 0, time.UTC)

	page := []resultRow{
		{
			ResultID:     1,
			SampleNumber: "S-1",
			Revision:     sql.NullInt64{Int64: 2, Valid: true},
			PatientRef:   sql.NullString{String: "MRN-0001", Valid: true},
			TestCode:     sql.NullString{String: "WNV-PCR", Valid: true},
			ResultText:   sql.NullString{String: "Detected", Valid: true},
			CollectedOn:  sql.NullTime{Time: time.Date(2024, 6, 2, 13, 0, 0, 0, time.UTC), Valid: true},
			CountyCode:   "KERN",
			Latitude:     sql.NullFloat64{Float64: 35.37, Valid: true},
			Longitude:    sql.NullFloat64{Float64: -119.02, Valid: true},
			ChangedOn:    changed,
		},
		{ResultID: 2, SampleNumber: "S-2", CountyCode: "KERN", ChangedOn: changed},
		{ResultID: 3, SampleNumber: "S-3", CountyCode: "KERN", ChangedOn: changed},
	}

	result := a.toPullResult(page, "")

	if !result.HasMore {
		t.Error("Expected HasMore when the look-ahead row is present")
	}
	if len(result.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(result.Records))
	}

	first := result.Records[0]
	if first.SourceID != "labware" || first.SampleID != "S-1" || first.Revision != 2 {
		t.Errorf("Unexpected identity fields: %+v", first)
	}
	if first.CollectionDate != "2024-06-02" {
		t.Errorf("Expected collection date 2024-06-02, got %s", first.CollectionDate)
	}
	if first.Result != "Detected" || first.TestType != "WNV-PCR" {
		t.Errorf("Unexpected result fields: %+v", first)
	}
	if first.Latitude == nil || *first.Latitude != 35.37 {
		t.Errorf("Expected latitude to be mapped, got %v", first.Latitude)
	}
	if !privacy.IsPseudonym(first.PatientID) || strings.Contains(first.PatientID, "MRN") {
		t.Errorf("Expected pseudonymized patient ID, got %s", first.PatientID)
	}

	second := result.Records[1]
	if second.Revision != 1 || second.CollectionDate != "" || second.PatientID != "" {
		t.Errorf("Expected defaults for null columns, got %+v", second)
	}

	pos, err := decodeCursor(result.NextCursor)
	if err != nil {
		t.Fatalf("decodeCursor failed: %v", err)
	}
	if pos.ResultID != 2 {
		t.Errorf("Expected cursor at result 2, got %d", pos.ResultID)
	}
}

func TestToPullResultEmptyPageKeepsCursor(t *testing.T) {
	a := newTestAdapter(t, 10)

	result := a.toPullResult(nil, "previous")

	if result.NextCursor != "previous" {
		t.Errorf("Expected cursor to stay, got %q", result.NextCursor)
	}
	if result.HasMore || len(result.Records) != 0 {
		t.Errorf("Expected empty final page, got %+v", result)
	}
}

func TestPullUnreachableServerIsAdapterUnavailable(t *testing.T) {
	a := newTestAdapter(t, 10)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	window, _ := canonical.NewDateRange(
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
	)
	_, err := a.Pull(ctx, adapters.PullRequest{Region: "KERN", Window: window})
	if !apperrors.Is(err, apperrors.ErrAdapterUnavailable) {
		t.Errorf("Expected ErrAdapterUnavailable, got %v", err)
	}
}
