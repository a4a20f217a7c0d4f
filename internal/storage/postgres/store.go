// Package postgres implements canonical storage on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

// Store implements storage.Store using a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const dateLayout = "2006-01-02"

func (s *Store) GetCheckpoint(ctx context.Context, sourceID, region string) (canonical.SyncCheckpoint, bool, error) {
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, `
		SELECT `+checkpointColumns+`
		FROM sync_checkpoints
		WHERE source_id = $1 AND region = $2`,
		sourceID, region,
	))
	if err == pgx.ErrNoRows {
		return canonical.SyncCheckpoint{}, false, nil
	}
	if err != nil {
		return canonical.SyncCheckpoint{}, false, errors.Wrap(err, "failed to load checkpoint")
	}
	return cp, true, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, region string) ([]canonical.SyncCheckpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+checkpointColumns+`
		FROM sync_checkpoints
		WHERE ($1 = '' OR region = $1)
		ORDER BY source_id, region`,
		region,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	defer rows.Close()

	var out []canonical.SyncCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan checkpoint")
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const checkpointColumns = `source_id, region, last_synced_at, last_cursor, window_start, window_end`

func scanCheckpoint(row pgx.Row) (canonical.SyncCheckpoint, error) {
	var cp canonical.SyncCheckpoint
	var start, end *time.Time
	if err := row.Scan(&cp.SourceID, &cp.Region, &cp.LastSyncedAt, &cp.LastCursor, &start, &end); err != nil {
		return canonical.SyncCheckpoint{}, err
	}
	if start != nil && end != nil {
		cp.Window = canonical.DateRange{Start: canonical.Day(*start), End: canonical.Day(*end)}
	}
	return cp, nil
}

func (s *Store) LatestRevisions(ctx context.Context, keys []canonical.SampleKey) (map[canonical.SampleKey]int, error) {
	out := make(map[canonical.SampleKey]int)
	if len(keys) == 0 {
		return out, nil
	}

	sourceIDs := make([]string, len(keys))
	sampleIDs := make([]string, len(keys))
	dates := make([]string, len(keys))
	byKey := make(map[string]canonical.SampleKey, len(keys))
	for i, k := range keys {
		sourceIDs[i] = k.SourceID
		sampleIDs[i] = k.SampleID
		dates[i] = k.CollectionDate.Format(dateLayout)
		byKey[sourceIDs[i]+"\x1f"+sampleIDs[i]+"\x1f"+dates[i]] = k
	}

	rows, err := s.pool.Query(ctx, `
		SELECT s.source_id, s.sample_id, to_char(s.collection_date, 'YYYY-MM-DD'), MAX(s.revision)
		FROM samples s
		JOIN unnest($1::text[], $2::text[], $3::date[]) AS k(source_id, sample_id, collection_date)
		  ON s.source_id = k.source_id
		 AND s.sample_id = k.sample_id
		 AND s.collection_date = k.collection_date
		GROUP BY s.source_id, s.sample_id, s.collection_date`,
		sourceIDs, sampleIDs, dates,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sample revisions")
	}
	defer rows.Close()

	for rows.Next() {
		var sourceID, sampleID, date string
		var revision int
		if err := rows.Scan(&sourceID, &sampleID, &date, &revision); err != nil {
			return nil, errors.Wrap(err, "failed to scan sample revision")
		}
		if k, ok := byKey[sourceID+"\x1f"+sampleID+"\x1f"+date]; ok {
			out[k] = revision
		}
	}
	return out, rows.Err()
}

func (s *Store) ListSamples(ctx context.Context, f storage.SampleFilter) ([]canonical.Sample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT DISTINCT ON (source_id, sample_id, collection_date)
				source_id, sample_id, revision, supersedes_revision, patient_id, test_type,
				result, collection_date, county, latitude, longitude, warnings, ingested_at
			FROM samples
			WHERE collection_date BETWEEN $1 AND $2
			  AND ($3 = '' OR county = $3)
			ORDER BY source_id, sample_id, collection_date, revision DESC
		) latest
		ORDER BY collection_date, source_id, sample_id`,
		f.Range.Start, f.Range.End, f.County,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list samples")
	}
	defer rows.Close()

	var out []canonical.Sample
	for rows.Next() {
		var smp canonical.Sample
		var lat, lon *float64
		err := rows.Scan(
			&smp.SourceID, &smp.SampleID, &smp.Revision, &smp.SupersedesRevision,
			&smp.PatientID, &smp.TestType, &smp.Result, &smp.CollectionDate,
			&smp.County, &lat, &lon, &smp.Warnings, &smp.IngestedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan sample")
		}
		smp.Location = toGeoPoint(lat, lon)
		out = append(out, smp)
	}
	return out, rows.Err()
}

const caseColumns = `
	id, source_id, sample_id, sample_revision, patient_id, test_type, county,
	collection_date, reported_at, submission_status, destination_system,
	last_error, attempts, updated_at`

func scanCase(row pgx.Row) (*canonical.Case, error) {
	c := &canonical.Case{}
	err := row.Scan(
		&c.ID, &c.SourceID, &c.SampleID, &c.SampleRevision, &c.PatientID, &c.TestType, &c.County,
		&c.CollectionDate, &c.ReportedAt, &c.SubmissionStatus, &c.DestinationSystem,
		&c.LastError, &c.Attempts, &c.UpdatedAt,
	)
	return c, err
}

func (s *Store) GetCase(ctx context.Context, id types.ID) (*canonical.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("case", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find case")
	}
	return c, nil
}

func (s *Store) ListCases(ctx context.Context, f storage.CaseFilter) ([]*canonical.Case, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE ($1 = '' OR destination_system = $1)
		  AND ($2 = '' OR county = $2)
		  AND (cardinality($3::text[]) = 0 OR submission_status = ANY($3))
		ORDER BY reported_at, id
		LIMIT $4`,
		f.Destination, f.Region, statuses, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cases")
	}
	defer rows.Close()

	var out []*canonical.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan case")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CaseHistory(ctx context.Context, id types.ID) ([]canonical.StatusChange, error) {
	if _, err := s.GetCase(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT case_id, from_status, to_status, reason, actor, changed_at
		FROM case_status_history
		WHERE case_id = $1
		ORDER BY changed_at, id`,
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query case history")
	}
	defer rows.Close()

	var out []canonical.StatusChange
	for rows.Next() {
		var ch canonical.StatusChange
		if err := rows.Scan(&ch.CaseID, &ch.From, &ch.To, &ch.Reason, &ch.Actor, &ch.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan case history")
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) CountCasesByStatus(ctx context.Context, region string) (map[canonical.SubmissionStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission_status, COUNT(*)
		FROM cases
		WHERE ($1 = '' OR county = $1)
		GROUP BY submission_status`,
		region,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count cases")
	}
	defer rows.Close()

	out := make(map[canonical.SubmissionStatus]int)
	for rows.Next() {
		var status canonical.SubmissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan case count")
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) ExistingVectorRecords(ctx context.Context, ids []types.ID) (map[types.ID]bool, error) {
	out := make(map[types.ID]bool)
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}

	rows, err := s.pool.Query(ctx, `SELECT id FROM vector_records WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query vector records")
	}
	defer rows.Close()

	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector record id")
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) ListVectorRecords(ctx context.Context, f storage.VectorFilter) ([]canonical.VectorRecord, error) {
	var week *time.Time
	if !f.WeekEnding.IsZero() {
		w := canonical.Day(f.WeekEnding)
		week = &w
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, record_key, species, count, trap_type, collection_date,
			county, latitude, longitude, week_ending, ingested_at
		FROM vector_records
		WHERE ($1 = '' OR county = $1)
		  AND (
			($2::date IS NOT NULL AND week_ending = $2::date)
			OR ($2::date IS NULL AND collection_date BETWEEN $3 AND $4)
		  )
		ORDER BY collection_date, record_key`,
		f.County, week, f.Range.Start, f.Range.End,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list vector records")
	}
	defer rows.Close()

	var out []canonical.VectorRecord
	for rows.Next() {
		var v canonical.VectorRecord
		var lat, lon *float64
		err := rows.Scan(
			&v.ID, &v.SourceID, &v.RecordKey, &v.Species, &v.Count, &v.TrapType, &v.CollectionDate,
			&v.County, &lat, &lon, &v.WeekEnding, &v.IngestedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan vector record")
		}
		v.Location = toGeoPoint(lat, lon)
		out = append(out, v)
	}
	return out, rows.Err()
}

const reportColumns = `id, county, week_ending, report_type, generated_at, generated_by, summary, sync_status, file_path`

func scanReport(row pgx.Row) (canonical.Report, error) {
	var r canonical.Report
	var summary, syncStatus []byte
	err := row.Scan(&r.ID, &r.County, &r.WeekEnding, &r.ReportType, &r.GeneratedAt, &r.GeneratedBy, &summary, &syncStatus, &r.FilePath)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(summary, &r.Summary); err != nil {
		return r, fmt.Errorf("decode report summary: %w", err)
	}
	if err := json.Unmarshal(syncStatus, &r.SyncStatus); err != nil {
		return r, fmt.Errorf("decode report sync status: %w", err)
	}
	return r, nil
}

func (s *Store) GetReport(ctx context.Context, id types.ID) (*canonical.Report, error) {
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("report", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find report")
	}
	return &r, nil
}

func (s *Store) ListReports(ctx context.Context, f storage.ReportFilter) ([]canonical.Report, int, error) {
	var from, to *time.Time
	if !f.From.IsZero() {
		d := canonical.Day(f.From)
		from = &d
	}
	if !f.To.IsZero() {
		d := canonical.Day(f.To)
		to = &d
	}

	where := `
		WHERE ($1 = '' OR county = $1)
		  AND ($2::date IS NULL OR week_ending >= $2::date)
		  AND ($3::date IS NULL OR week_ending <= $3::date)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reports`+where, f.County, from, to).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count reports")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+` FROM reports`+where+`
		ORDER BY generated_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		f.County, from, to, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list reports")
	}
	defer rows.Close()

	out := []canonical.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan report")
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// WithinTx runs fn in a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func toGeoPoint(lat, lon *float64) *canonical.GeoPoint {
	if lat == nil || lon == nil {
		return nil
	}
	return &canonical.GeoPoint{Latitude: *lat, Longitude: *lon}
}

func fromGeoPoint(p *canonical.GeoPoint) (lat, lon *float64) {
	if p == nil {
		return nil, nil
	}
	la, lo := p.Latitude, p.Longitude
	return &la, &lo
}

var _ storage.Store = (*Store)(nil)
