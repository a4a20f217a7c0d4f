// Package report generates immutable surveillance reports and serves their
// history. It is the only writer of reports.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/analytics"
	"github.com/phl-surveillance/platform/internal/blobstore"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/events"
	"github.com/phl-surveillance/platform/internal/shared/metrics"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// StatusSource reports sync and submission state for a region.
type StatusSource interface {
	Status(ctx context.Context, region string) (canonical.SyncStatus, error)
}

// GenerateCommand requests a report for one county and epi week.
type GenerateCommand struct {
	County     string
	WeekEnding time.Time
	ReportType canonical.ReportType
}

// HistoryFilter selects past reports. From and To bound WeekEnding.
type HistoryFilter struct {
	County string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Page is one page of report history, newest first.
type Page struct {
	Items  []canonical.Report `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Service generates and retrieves reports.
type Service struct {
	store     storage.Store
	analytics *analytics.Engine
	status    StatusSource
	blobs     blobstore.Store
	publisher events.Publisher
	regions   canonical.RegionTable
	log       zerolog.Logger

	now func() time.Time
}

// NewService creates a report service. blobs may be nil, in which case
// reports are stored without a rendered document.
func NewService(
	store storage.Store,
	engine *analytics.Engine,
	status StatusSource,
	blobs blobstore.Store,
	publisher events.Publisher,
	regions canonical.RegionTable,
	log zerolog.Logger,
) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		analytics: engine,
		status:    status,
		blobs:     blobs,
		publisher: publisher,
		regions:   regions,
		log:       log.With().Str("component", "report-service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Generate composes a new report. Every call creates a distinct report, even
// for a window that was reported before.
func (s *Service) Generate(ctx context.Context, cmd GenerateCommand) (*canonical.Report, error) {
	county, ok := s.regions.Normalize(cmd.County)
	if !ok || cmd.County == "" {
		return nil, errors.Validation("unknown county", map[string]string{"countyCode": cmd.County})
	}
	weekEnding := canonical.Day(cmd.WeekEnding)
	if weekEnding.Weekday() != time.Saturday {
		return nil, errors.Validation("weekEnding must be a Saturday", map[string]string{"weekEnding": weekEnding.Format("2006-01-02")})
	}
	reportType, err := canonical.ParseReportType(string(cmd.ReportType))
	if err != nil {
		return nil, errors.Validation("invalid report type", map[string]string{"reportType": string(cmd.ReportType)})
	}

	snapshot, err := s.analytics.ComputeSummary(ctx, analytics.Query{County: county, Range: reportType.Window(weekEnding)})
	if err != nil {
		return nil, err
	}
	status, err := s.status.Status(ctx, county)
	if err != nil {
		return nil, err
	}

	generatedBy := "system"
	if id := auth.GetIdentity(ctx); id != nil {
		generatedBy = id.Subject
	}

	r := canonical.Report{
		ID:          types.NewID(),
		County:      county,
		WeekEnding:  weekEnding,
		ReportType:  reportType,
		GeneratedAt: s.now(),
		GeneratedBy: generatedBy,
		Summary:     snapshot,
		SyncStatus:  status,
	}

	if s.blobs != nil {
		if r.FilePath, err = s.render(ctx, r); err != nil {
			return nil, err
		}
	}

	err = s.store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.SaveReport(ctx, r)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to save report")
	}

	metrics.RecordReportGenerated(string(reportType))
	s.log.Info().
		Str("report_id", r.ID.String()).
		Str("county", county).
		Str("week_ending", weekEnding.Format("2006-01-02")).
		Str("report_type", string(reportType)).
		Str("generated_by", generatedBy).
		Msg("report generated")

	event := events.NewEvent(events.TypeReportGenerated, "report-service", reportGenerated{
		ReportID: r.ID, County: county, WeekEnding: weekEnding, ReportType: reportType, FilePath: r.FilePath,
	})
	if id := auth.GetIdentity(ctx); id != nil {
		event = event.WithActor(id.Subject, id.Role)
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn().Err(err).Str("report_id", r.ID.String()).Msg("failed to publish report event")
	}

	return &r, nil
}

// render writes the report document to object storage.
func (s *Service) render(ctx context.Context, r canonical.Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to render report")
	}
	key := fmt.Sprintf("%s/%s/%s-%s.json", r.County, r.WeekEnding.Format("2006-01-02"), r.ReportType, r.ID)
	uri, err := s.blobs.Put(ctx, key, "application/json", body)
	if err != nil {
		return "", errors.AdapterUnavailable("object-storage", err)
	}
	return uri, nil
}

// History returns reports newest first.
func (s *Service) History(ctx context.Context, f HistoryFilter) (*Page, error) {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	if f.Offset < 0 {
		return nil, errors.Validation("offset cannot be negative", map[string]string{"offset": "must be >= 0"})
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, errors.Validation("invalid date range", map[string]string{"endDate": "end date is before start date"})
	}
	if f.County != "" {
		county, ok := s.regions.Normalize(f.County)
		if !ok {
			return nil, errors.Validation("unknown county", map[string]string{"countyCode": f.County})
		}
		f.County = county
	}

	items, total, err := s.store.ListReports(ctx, storage.ReportFilter{
		County: f.County,
		From:   f.From,
		To:     f.To,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reports")
	}
	if items == nil {
		items = []canonical.Report{}
	}
	return &Page{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Get returns one report.
func (s *Service) Get(ctx context.Context, id types.ID) (*canonical.Report, error) {
	return s.store.GetReport(ctx, id)
}

type reportGenerated struct {
	ReportID   types.ID             `json:"reportId"`
	County     string               `json:"county"`
	WeekEnding time.Time            `json:"weekEnding"`
	ReportType canonical.ReportType `json:"reportType"`
	FilePath   string               `json:"filePath,omitempty"`
}
