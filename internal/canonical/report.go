package canonical

import (
	"fmt"
	"strings"
	"time"

	"github.com/phl-surveillance/platform/internal/shared/types"
)

// ReportType selects the reporting window.
type ReportType string

const (
	ReportWeekly    ReportType = "weekly"
	ReportMonthly   ReportType = "monthly"
	ReportQuarterly ReportType = "quarterly"
)

// ParseReportType validates a report type string.
func ParseReportType(s string) (ReportType, error) {
	switch t := ReportType(strings.ToLower(strings.TrimSpace(s))); t {
	case ReportWeekly, ReportMonthly, ReportQuarterly:
		return t, nil
	}
	return "", &ValidationError{Field: "reportType", Reason: fmt.Sprintf("unknown report type %q", s)}
}

// Window returns the days a report of this type covers, ending on weekEnding.
func (t ReportType) Window(weekEnding time.Time) DateRange {
	end := Day(weekEnding)
	switch t {
	case ReportMonthly:
		return DateRange{Start: time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC), End: end}
	case ReportQuarterly:
		firstMonth := time.Month((int(end.Month())-1)/3*3 + 1)
		return DateRange{Start: time.Date(end.Year(), firstMonth, 1, 0, 0, 0, 0, time.UTC), End: end}
	default:
		return DateRange{Start: end.AddDate(0, 0, -6), End: end}
	}
}

// SpeciesCount is one row of the species breakdown.
type SpeciesCount struct {
	Species    string  `json:"species"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// CountyStats is one row of the geographic distribution.
type CountyStats struct {
	County         string  `json:"county"`
	TotalSamples   int     `json:"totalSamples"`
	PositiveCases  int     `json:"positiveCases"`
	PositivityRate float64 `json:"positivityRate"`
}

// DailyCount is one bucket of the temporal trend.
type DailyCount struct {
	Date          time.Time `json:"date"`
	TotalSamples  int       `json:"totalSamples"`
	PositiveCases int       `json:"positiveCases"`
	VectorCount   int       `json:"vectorCount"`
}

// AnalyticsSnapshot is an aggregate view over a window.
type AnalyticsSnapshot struct {
	County                 string         `json:"county,omitempty"`
	Range                  DateRange      `json:"range"`
	TotalSamples           int            `json:"totalSamples"`
	PositiveCases          int            `json:"positiveCases"`
	PositivityRate         float64        `json:"positivityRate"`
	SpeciesBreakdown       []SpeciesCount `json:"speciesBreakdown"`
	GeographicDistribution []CountyStats  `json:"geographicDistribution"`
	TemporalTrends         []DailyCount   `json:"temporalTrends"`
	ComputedAt             time.Time      `json:"computedAt"`
}

// SyncStatus summarizes ingestion and submission state for a region.
type SyncStatus struct {
	Region      string                   `json:"region,omitempty"`
	Checkpoints []SyncCheckpoint         `json:"checkpoints"`
	CaseCounts  map[SubmissionStatus]int `json:"caseCounts"`
}

// Report is an immutable generated artifact.
type Report struct {
	ID          types.ID          `json:"id"`
	County      string            `json:"county"`
	WeekEnding  time.Time         `json:"weekEnding"`
	ReportType  ReportType        `json:"reportType"`
	GeneratedAt time.Time         `json:"generatedAt"`
	GeneratedBy string            `json:"generatedBy"`
	Summary     AnalyticsSnapshot `json:"summary"`
	SyncStatus  SyncStatus        `json:"syncStatus"`
	FilePath    string            `json:"filePath,omitempty"`
}
