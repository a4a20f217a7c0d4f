package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/events"
	"github.com/phl-surveillance/platform/internal/shared/metrics"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

// PullCommand asks for a pull from one source for one region.
type PullCommand struct {
	SourceID string
	Region   string
	Window   canonical.DateRange
}

// PullResult accounts for every record the source returned.
type PullResult struct {
	JobID            types.ID                      `json:"jobId"`
	SourceID         string                        `json:"sourceId"`
	Region           string                        `json:"region"`
	SamplesProcessed int                           `json:"samplesProcessed"`
	NewSamples       int                           `json:"newSamples"`
	UpdatedSamples   int                           `json:"updatedSamples"`
	Duplicates       int                           `json:"duplicates"`
	Quarantined      []canonical.QuarantinedRecord `json:"quarantined"`
	CasesCreated     int                           `json:"casesCreated"`
	Pages            int                           `json:"pages"`
	SyncTime         time.Time                     `json:"syncTime"`
	State            JobState                      `json:"state"`
}

// pullBatch is one page after validation and deduplication.
type pullBatch struct {
	samples     []canonical.Sample
	quarantined []canonical.QuarantinedRecord
	cases       []*canonical.Case
	processed   int
	fresh       int
	updated     int
	duplicates  int
}

// RunPull pulls every page the source holds after the stored checkpoint.
// Each page is persisted in one transaction together with its checkpoint,
// so the checkpoint never points past data that is not durable. A failed
// page leaves earlier pages and their checkpoint in place.
func (e *Engine) RunPull(ctx context.Context, cmd PullCommand) (*PullResult, error) {
	if cmd.SourceID == "" {
		return nil, errors.Validation("sourceId is required", map[string]string{"sourceId": "required"})
	}
	if cmd.Window.Start.IsZero() || cmd.Window.End.Before(cmd.Window.Start) {
		return nil, errors.Validation("invalid window", map[string]string{"window": "start and end dates are required, end not before start"})
	}
	region, err := e.normalizeRegion(cmd.Region)
	if err != nil {
		return nil, err
	}
	source, err := e.registry.Source(cmd.SourceID)
	if err != nil {
		return nil, errors.NotFound("source", cmd.SourceID)
	}

	key := pullLockKey(cmd.SourceID, region)
	release, err := e.locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	j := newJob(JobKindPull, e.now())
	result := &PullResult{
		JobID:       j.ID,
		SourceID:    cmd.SourceID,
		Region:      region,
		Quarantined: []canonical.QuarantinedRecord{},
		State:       j.State,
	}
	log := e.log.With().Str("job_id", j.ID.String()).Str("source_id", cmd.SourceID).Str("region", region).Logger()

	err = errors.FromContext(e.pull(ctx, j, source, PullCommand{SourceID: cmd.SourceID, Region: region, Window: cmd.Window}, result))
	if err != nil {
		j.fail()
	} else if err = j.advance(JobCompleted); err != nil {
		j.fail()
	}
	result.State = j.State
	result.SyncTime = e.now()
	e.finish(ctx, j, key, err)
	if err != nil {
		return result, err
	}

	metrics.RecordSyncRecords(cmd.SourceID, "new", result.NewSamples)
	metrics.RecordSyncRecords(cmd.SourceID, "updated", result.UpdatedSamples)
	metrics.RecordSyncRecords(cmd.SourceID, "duplicate", result.Duplicates)
	metrics.RecordSyncRecords(cmd.SourceID, "quarantined", len(result.Quarantined))

	log.Info().
		Int("processed", result.SamplesProcessed).
		Int("new", result.NewSamples).
		Int("updated", result.UpdatedSamples).
		Int("duplicates", result.Duplicates).
		Int("quarantined", len(result.Quarantined)).
		Int("cases_created", result.CasesCreated).
		Msg("pull completed")
	e.publish(ctx, events.TypeSyncPullCompleted, result)

	return result, nil
}

func (e *Engine) pull(ctx context.Context, j *job, source adapters.Source, cmd PullCommand, result *PullResult) error {
	cp, _, err := e.store.GetCheckpoint(ctx, cmd.SourceID, cmd.Region)
	if err != nil {
		return errors.Wrap(err, "failed to read checkpoint")
	}
	cp.SourceID = cmd.SourceID
	cp.Region = cmd.Region
	cursor := cp.CursorFor(cmd.Window)
	if cursor == "" && cp.LastCursor != "" {
		e.log.Info().
			Str("source_id", cmd.SourceID).
			Str("region", cmd.Region).
			Msg("window changed, pulling from the start of the source")
	}
	cp.LastCursor = cursor
	cp.Window = cmd.Window

	for {
		if err := j.advance(JobPulling); err != nil {
			return err
		}

		var page adapters.PullResult
		err := e.callAdapter(ctx, cmd.SourceID, func(ctx context.Context) error {
			var err error
			page, err = source.Pull(ctx, adapters.PullRequest{Region: cmd.Region, Cursor: cp.LastCursor, Window: cmd.Window})
			return err
		})
		if err != nil {
			return err
		}
		result.Pages++

		if err := j.advance(JobDeduplicating); err != nil {
			return err
		}
		batch, err := e.prepare(ctx, j.ID, cmd, page.Records)
		if err != nil {
			return err
		}

		// Last point at which a caller may abandon the page.
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := j.advance(JobPersisting); err != nil {
			return err
		}
		next := cp.Advance(page.NextCursor, e.now())
		created, err := e.persist(context.WithoutCancel(ctx), batch, next)
		if err != nil {
			return err
		}

		moved := next.LastCursor != cp.LastCursor
		cp = next
		result.SamplesProcessed += batch.processed
		result.NewSamples += batch.fresh
		result.UpdatedSamples += batch.updated
		result.Duplicates += batch.duplicates
		result.Quarantined = append(result.Quarantined, batch.quarantined...)
		result.CasesCreated += created

		if !page.HasMore {
			return nil
		}
		if !moved {
			e.log.Warn().Str("source_id", cmd.SourceID).Msg("source reported more pages without advancing its cursor")
			return nil
		}
	}
}

// prepare validates and deduplicates one page. Invalid records are
// quarantined; within the page only the highest revision of a key is kept.
func (e *Engine) prepare(ctx context.Context, jobID types.ID, cmd PullCommand, raws []canonical.RawSample) (*pullBatch, error) {
	now := e.now()
	batch := &pullBatch{}

	latest := make(map[canonical.SampleKey]canonical.Sample)
	var order []canonical.SampleKey
	for _, raw := range raws {
		if raw.SourceID == "" {
			raw.SourceID = cmd.SourceID
		}
		s, err := canonical.ValidateSample(raw, e.regions, now)
		if err != nil {
			batch.quarantined = append(batch.quarantined, quarantine(jobID, cmd, raw, err, now))
			e.log.Warn().
				Str("source_id", cmd.SourceID).
				Str("sample_id", raw.SampleID).
				Str("reason", err.Error()).
				Msg("record quarantined")
			continue
		}
		batch.processed++

		k := s.Key()
		prev, seen := latest[k]
		switch {
		case !seen:
			order = append(order, k)
			latest[k] = s
		case s.Revision > prev.Revision:
			latest[k] = s
			batch.duplicates++
		default:
			batch.duplicates++
		}
	}

	if len(order) == 0 {
		return batch, nil
	}

	stored, err := e.store.LatestRevisions(ctx, order)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up stored revisions")
	}

	for _, k := range order {
		s := latest[k]
		rev, exists := stored[k]
		switch {
		case exists && rev >= s.Revision:
			batch.duplicates++
			continue
		case exists:
			supersedes := rev
			s.SupersedesRevision = &supersedes
			batch.updated++
		default:
			batch.fresh++
		}
		batch.samples = append(batch.samples, s)

		if c, ok := e.PromoteToCase(s); ok {
			batch.cases = append(batch.cases, c)
		}
	}
	return batch, nil
}

// PromoteToCase returns a pending case for s if s meets the reporting
// criteria.
func (e *Engine) PromoteToCase(s canonical.Sample) (*canonical.Case, bool) {
	if !e.policy.Reportable.Reportable(s) {
		return nil, false
	}
	return canonical.NewCase(s, e.policy.CaseDestination, e.now()), true
}

// persist writes one page. The checkpoint is written last, in the same
// transaction as the data it covers.
func (e *Engine) persist(ctx context.Context, batch *pullBatch, cp canonical.SyncCheckpoint) (int, error) {
	created := 0
	err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
		created = 0
		if err := tx.SaveSamples(ctx, batch.samples); err != nil {
			return err
		}
		if err := tx.SaveQuarantined(ctx, batch.quarantined); err != nil {
			return err
		}
		for _, c := range batch.cases {
			ok, err := tx.CreateCase(ctx, c)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
		return tx.SaveCheckpoint(ctx, cp)
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to persist pull batch")
	}
	return created, nil
}

func quarantine(jobID types.ID, cmd PullCommand, raw canonical.RawSample, err error, now time.Time) canonical.QuarantinedRecord {
	q := canonical.QuarantinedRecord{
		ID:            types.NewID(),
		JobID:         jobID,
		SourceID:      cmd.SourceID,
		Region:        cmd.Region,
		RecordKey:     raw.SampleID,
		Reason:        err.Error(),
		QuarantinedAt: now,
	}
	var verr *canonical.ValidationError
	if errors.As(err, &verr) {
		q.Field = verr.Field
		q.Reason = verr.Reason
	}
	q.Payload, _ = json.Marshal(raw)
	return q
}
