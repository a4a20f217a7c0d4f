// Package labware pulls lab results from a LabWare LIMS reporting view on SQL
// Server.
package labware

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/privacy"
	"github.com/phl-surveillance/platform/internal/shared/config"
	apperrors "github.com/phl-surveillance/platform/internal/shared/errors"
)

// Adapter implements adapters.Source for LabWare.
type Adapter struct {
	config     config.LabwareConfig
	pseudonyms *privacy.Pseudonymizer
	log        zerolog.Logger

	db *sql.DB
	mu sync.Mutex
}

// New creates a LabWare adapter. The connection is opened on first use so a
// LIMS outage does not prevent the service from starting.
func New(cfg config.LabwareConfig, pseudonyms *privacy.Pseudonymizer, log zerolog.Logger) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if cfg.ResultView == "" {
		cfg.ResultView = "dbo.SURV_RESULTS"
	}
	return &Adapter{
		config:     cfg,
		pseudonyms: pseudonyms,
		log:        log.With().Str("adapter", cfg.SourceID).Logger(),
	}
}

// SourceID returns the configured source identifier.
func (a *Adapter) SourceID() string {
	return a.config.SourceID
}

// connectionString builds the go-mssqldb URL form so credentials containing
// ';' survive.
func (a *Adapter) connectionString() string {
	query := url.Values{}
	query.Add("database", a.config.Database)
	query.Add("app name", "surveillance-sync")
	if a.config.Encrypt {
		query.Add("encrypt", "true")
		query.Add("TrustServerCertificate", "true")
	} else {
		query.Add("encrypt", "disable")
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(a.config.Username, a.config.Password),
		Host:     fmt.Sprintf("%s:%d", a.config.Server, a.config.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (a *Adapter) connect(ctx context.Context) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		return a.db, nil
	}

	db, err := sql.Open("sqlserver", a.connectionString())
	if err != nil {
		return nil, apperrors.AdapterUnavailable(a.SourceID(), err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.AdapterUnavailable(a.SourceID(), fmt.Errorf("ping: %w", err))
	}

	a.log.Info().Str("server", a.config.Server).Str("database", a.config.Database).Msg("connected to LabWare")
	a.db = db
	return db, nil
}

// Pull reads one page of results for req.Region changed after req.Cursor and
// collected within req.Window.
func (a *Adapter) Pull(ctx context.Context, req adapters.PullRequest) (adapters.PullResult, error) {
	after, err := decodeCursor(req.Cursor)
	if err != nil {
		return adapters.PullResult{}, apperrors.BadRequest(err.Error())
	}

	db, err := a.connect(ctx)
	if err != nil {
		return adapters.PullResult{}, err
	}

	if a.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.QueryTimeout)
		defer cancel()
	}

	// One extra row tells us whether another page exists.
	query := fmt.Sprintf(`
		SELECT TOP (@limit)
			RESULT_ID,
			SAMPLE_NUMBER,
			REVISION,
			PATIENT_REF,
			TEST_CODE,
			RESULT_TEXT,
			COLLECTED_ON,
			COUNTY_CODE,
			LATITUDE,
			LONGITUDE,
			CHANGED_ON
		FROM %s
		WHERE COUNTY_CODE = @region
		  AND COLLECTED_ON >= @from
		  AND COLLECTED_ON < @to
		  AND (CHANGED_ON > @since OR (CHANGED_ON = @since AND RESULT_ID > @lastId))
		ORDER BY CHANGED_ON, RESULT_ID
	`, a.config.ResultView)

	rows, err := db.QueryContext(ctx, query,
		sql.Named("limit", a.config.PageSize+1),
		sql.Named("region", req.Region),
		sql.Named("from", req.Window.Start),
		sql.Named("to", req.Window.End.AddDate(0, 0, 1)),
		sql.Named("since", after.ChangedOn),
		sql.Named("lastId", after.ResultID),
	)
	if err != nil {
		return adapters.PullResult{}, apperrors.AdapterUnavailable(a.SourceID(), fmt.Errorf("query results: %w", err))
	}
	defer rows.Close()

	var page []resultRow
	for rows.Next() {
		var r resultRow
		err := rows.Scan(
			&r.ResultID,
			&r.SampleNumber,
			&r.Revision,
			&r.PatientRef,
			&r.TestCode,
			&r.ResultText,
			&r.CollectedOn,
			&r.CountyCode,
			&r.Latitude,
			&r.Longitude,
			&r.ChangedOn,
		)
		if err != nil {
			return adapters.PullResult{}, fmt.Errorf("failed to scan result row: %w", err)
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return adapters.PullResult{}, apperrors.AdapterUnavailable(a.SourceID(), fmt.Errorf("read results: %w", err))
	}

	return a.toPullResult(page, req.Cursor), nil
}

// toPullResult maps a fetched page, trimming the look-ahead row.
func (a *Adapter) toPullResult(page []resultRow, cursor string) adapters.PullResult {
	result := adapters.PullResult{NextCursor: cursor}
	if len(page) > a.config.PageSize {
		page = page[:a.config.PageSize]
		result.HasMore = true
	}

	result.Records = make([]canonical.RawSample, 0, len(page))
	for _, r := range page {
		result.Records = append(result.Records, a.toRawSample(r))
	}
	if len(page) > 0 {
		last := page[len(page)-1]
		result.NextCursor = encodeCursor(position{ChangedOn: last.ChangedOn, ResultID: last.ResultID})
	}
	return result
}

// toRawSample translates a view row. Business validation is left to the
// sync engine.
func (a *Adapter) toRawSample(r resultRow) canonical.RawSample {
	raw := canonical.RawSample{
		SourceID: a.SourceID(),
		SampleID: r.SampleNumber,
		Revision: 1,
		County:   r.CountyCode,
	}
	if r.Revision.Valid {
		raw.Revision = int(r.Revision.Int64)
	}
	if r.TestCode.Valid {
		raw.TestType = r.TestCode.String
	}
	if r.ResultText.Valid {
		raw.Result = r.ResultText.String
	}
	if r.CollectedOn.Valid {
		raw.CollectionDate = r.CollectedOn.Time.UTC().Format("2006-01-02")
	}
	if r.Latitude.Valid && r.Longitude.Valid {
		lat, lon := r.Latitude.Float64, r.Longitude.Float64
		raw.Latitude, raw.Longitude = &lat, &lon
	}

	if r.PatientRef.Valid && r.PatientRef.String != "" {
		pseudonym, err := a.pseudonyms.Pseudonymize(a.SourceID(), r.PatientRef.String)
		if err != nil {
			a.log.Warn().Err(err).Str("sample_id", r.SampleNumber).Msg("patient reference not pseudonymized")
		} else {
			raw.PatientID = pseudonym
		}
	}
	return raw
}

// Health pings the LIMS.
func (a *Adapter) Health(ctx context.Context) error {
	_, err := a.connect(ctx)
	return err
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// resultRow is one row of the LIMS surveillance view.
type resultRow struct {
	ResultID     int64
	SampleNumber string
	Revision     sql.NullInt64
	PatientRef   sql.NullString
	TestCode     sql.NullString
	ResultText   sql.NullString
	CollectedOn  sql.NullTime
	CountyCode   string
	Latitude     sql.NullFloat64
	Longitude    sql.NullFloat64
	ChangedOn    time.Time
}
