package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/storage"
)

// pgTx implements storage.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SaveSamples(ctx context.Context, samples []canonical.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, smp := range samples {
		lat, lon := fromGeoPoint(smp.Location)
		warnings := smp.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		batch.Queue(`
			INSERT INTO samples (
				source_id, sample_id, collection_date, revision, supersedes_revision,
				patient_id, test_type, result, county, latitude, longitude, warnings, ingested_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (source_id, sample_id, collection_date, revision) DO NOTHING`,
			smp.SourceID, smp.SampleID, smp.CollectionDate, smp.Revision, smp.SupersedesRevision,
			smp.PatientID, smp.TestType, string(smp.Result), smp.County, lat, lon, warnings, smp.IngestedAt,
		)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "failed to save samples")
	}
	return nil
}

func (t *pgTx) SaveQuarantined(ctx context.Context, records []canonical.QuarantinedRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		var payload []byte
		if json.Valid(r.Payload) {
			payload = r.Payload
		}
		batch.Queue(`
			INSERT INTO quarantined_records (
				id, job_id, source_id, region, record_key, field, reason, payload, quarantined_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.JobID, r.SourceID, r.Region, r.RecordKey, r.Field, r.Reason, payload, r.QuarantinedAt,
		)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "failed to save quarantined records")
	}
	return nil
}

func (t *pgTx) CreateCase(ctx context.Context, c *canonical.Case) (bool, error) {
	// xmax = 0 only for freshly inserted rows.
	var inserted bool
	err := t.tx.QueryRow(ctx, `
		INSERT INTO cases (
			id, source_id, sample_id, sample_revision, patient_id, test_type, county,
			collection_date, reported_at, submission_status, destination_system,
			last_error, attempts, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			sample_revision = EXCLUDED.sample_revision,
			patient_id = EXCLUDED.patient_id,
			test_type = EXCLUDED.test_type,
			county = EXCLUDED.county,
			collection_date = EXCLUDED.collection_date
		RETURNING (xmax = 0)`,
		c.ID, c.SourceID, c.SampleID, c.SampleRevision, c.PatientID, c.TestType, c.County,
		c.CollectionDate, c.ReportedAt, string(c.SubmissionStatus), c.DestinationSystem,
		c.LastError, c.Attempts, c.UpdatedAt,
	).Scan(&inserted)
	if err != nil {
		return false, errors.Wrap(err, "failed to save case")
	}

	if inserted {
		if err := t.saveTransitions(ctx, c); err != nil {
			return false, err
		}
	}
	return inserted, nil
}

func (t *pgTx) UpdateCaseStatus(ctx context.Context, c *canonical.Case) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE cases SET
			submission_status = $2,
			last_error = $3,
			attempts = $4,
			updated_at = $5
		WHERE id = $1`,
		c.ID, string(c.SubmissionStatus), c.LastError, c.Attempts, c.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update case status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("case", c.ID.String())
	}
	return t.saveTransitions(ctx, c)
}

func (t *pgTx) saveTransitions(ctx context.Context, c *canonical.Case) error {
	for _, ch := range c.Transitions() {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO case_status_history (case_id, from_status, to_status, reason, actor, changed_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ch.CaseID, string(ch.From), string(ch.To), ch.Reason, ch.Actor, ch.ChangedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to save case status change")
		}
	}
	return nil
}

func (t *pgTx) SaveVectorRecords(ctx context.Context, records []canonical.VectorRecord) (int, error) {
	inserted := 0
	for _, v := range records {
		lat, lon := fromGeoPoint(v.Location)
		tag, err := t.tx.Exec(ctx, `
			INSERT INTO vector_records (
				id, source_id, record_key, species, count, trap_type, collection_date,
				county, latitude, longitude, week_ending, ingested_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT DO NOTHING`,
			v.ID, v.SourceID, v.RecordKey, v.Species, v.Count, v.TrapType, v.CollectionDate,
			v.County, lat, lon, v.WeekEnding, v.IngestedAt,
		)
		if err != nil {
			return inserted, errors.Wrap(err, "failed to save vector record")
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (t *pgTx) SaveCheckpoint(ctx context.Context, cp canonical.SyncCheckpoint) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sync_checkpoints (source_id, region, last_synced_at, last_cursor, window_start, window_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id, region) DO UPDATE SET
			last_synced_at = GREATEST(sync_checkpoints.last_synced_at, EXCLUDED.last_synced_at),
			last_cursor = EXCLUDED.last_cursor,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end`,
		cp.SourceID, cp.Region, cp.LastSyncedAt, cp.LastCursor, windowBound(cp.Window.Start), windowBound(cp.Window.End),
	)
	if err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	return nil
}

func (t *pgTx) SaveReport(ctx context.Context, r canonical.Report) error {
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal report summary")
	}
	syncStatus, err := json.Marshal(r.SyncStatus)
	if err != nil {
		return errors.Wrap(err, "failed to marshal report sync status")
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.County, r.WeekEnding, string(r.ReportType), r.GeneratedAt, r.GeneratedBy, summary, syncStatus, r.FilePath,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save report")
	}
	return nil
}

// windowBound stores an unset window bound as NULL.
func windowBound(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ storage.Tx = (*pgTx)(nil)
