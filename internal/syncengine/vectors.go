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

// VectorIngestResult accounts for a batch of trap events.
type VectorIngestResult struct {
	SourceID    string                        `json:"sourceId"`
	Received    int                           `json:"received"`
	Inserted    int                           `json:"inserted"`
	Duplicates  int                           `json:"duplicates"`
	Quarantined []canonical.QuarantinedRecord `json:"quarantined"`
}

// IngestVectorRecords validates and stores trap events. Records already
// stored under the same (source, record key) are skipped, so redelivered
// batches are harmless.
func (e *Engine) IngestVectorRecords(ctx context.Context, sourceID string, raws []canonical.RawVectorRecord) (*VectorIngestResult, error) {
	now := e.now()
	result := &VectorIngestResult{SourceID: sourceID, Received: len(raws), Quarantined: []canonical.QuarantinedRecord{}}

	var valid []canonical.VectorRecord
	ids := make([]types.ID, 0, len(raws))
	for _, raw := range raws {
		if raw.SourceID == "" {
			raw.SourceID = sourceID
		}
		v, err := canonical.ValidateVectorRecord(raw, e.regions, now)
		if err != nil {
			result.Quarantined = append(result.Quarantined, quarantineVector(sourceID, raw, err, now))
			e.log.Warn().Str("source_id", sourceID).Str("record_key", raw.RecordKey).Str("reason", err.Error()).Msg("vector record quarantined")
			continue
		}
		valid = append(valid, v)
		ids = append(ids, v.ID)
	}

	existing := map[types.ID]bool{}
	if len(ids) > 0 {
		var err error
		if existing, err = e.store.ExistingVectorRecords(ctx, ids); err != nil {
			return nil, errors.Wrap(err, "failed to look up vector records")
		}
	}
	fresh := valid[:0]
	for _, v := range valid {
		if !existing[v.ID] {
			fresh = append(fresh, v)
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	err := e.store.WithinTx(persistCtx, func(tx storage.Tx) error {
		if err := tx.SaveQuarantined(persistCtx, result.Quarantined); err != nil {
			return err
		}
		n, err := tx.SaveVectorRecords(persistCtx, fresh)
		result.Inserted = n
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist vector records")
	}
	result.Duplicates = len(valid) - result.Inserted

	metrics.RecordVectorRecords(sourceID, "inserted", result.Inserted)
	metrics.RecordVectorRecords(sourceID, "duplicate", result.Duplicates)
	metrics.RecordVectorRecords(sourceID, "quarantined", len(result.Quarantined))
	if result.Inserted > 0 {
		e.publish(ctx, events.TypeVectorsIngested, result)
	}
	return result, nil
}

func quarantineVector(sourceID string, raw canonical.RawVectorRecord, err error, now time.Time) canonical.QuarantinedRecord {
	q := canonical.QuarantinedRecord{
		ID:            types.NewID(),
		SourceID:      sourceID,
		Region:        raw.County,
		RecordKey:     raw.RecordKey,
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

// VectorPushResult summarizes a vector submission for one epi week.
type VectorPushResult struct {
	JobID             types.ID  `json:"jobId"`
	DestinationSystem string    `json:"destinationSystem"`
	Region            string    `json:"region"`
	WeekEnding        time.Time `json:"weekEnding"`
	Submitted         int       `json:"submitted"`
	Accepted          int       `json:"accepted"`
	Rejected          int       `json:"rejected"`
	Duplicates        int       `json:"duplicates"`
	Failed            int       `json:"failed"`
	State             JobState  `json:"state"`
}

// PushVectorRecords submits the region's vector records for the epi week
// ending on weekEnding. Vector records are immutable, so nothing is written
// back; re-submission relies on the sink reporting duplicates.
func (e *Engine) PushVectorRecords(ctx context.Context, destination, region string, weekEnding time.Time) (*VectorPushResult, error) {
	weekEnding = canonical.Day(weekEnding)
	if weekEnding.Weekday() != time.Saturday {
		return nil, errors.Validation("weekEnding must be a Saturday", map[string]string{"weekEnding": weekEnding.Format("2006-01-02")})
	}
	code, err := e.normalizeRegion(region)
	if err != nil {
		return nil, err
	}
	sink, err := e.registry.VectorSink(destination)
	if err != nil {
		return nil, errors.NotFound("destination", destination)
	}

	key := vectorPushLockKey(destination, code, weekEnding)
	release, err := e.locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	j := newJob(JobKindVectorPush, e.now())
	result := &VectorPushResult{JobID: j.ID, DestinationSystem: destination, Region: code, WeekEnding: weekEnding}

	err = errors.FromContext(e.pushVectors(ctx, j, sink, code, weekEnding, result))
	if err != nil {
		j.fail()
	} else if err = j.advance(JobCompleted); err != nil {
		j.fail()
	}
	result.State = j.State
	e.finish(ctx, j, key, err)
	if err != nil {
		return result, err
	}

	e.publish(ctx, events.TypeVectorsSubmitted, result)
	return result, nil
}

func (e *Engine) pushVectors(ctx context.Context, j *job, sink adapters.VectorSink, region string, weekEnding time.Time, result *VectorPushResult) error {
	if err := j.advance(JobPushing); err != nil {
		return err
	}
	records, err := e.store.ListVectorRecords(ctx, storage.VectorFilter{County: region, WeekEnding: weekEnding})
	if err != nil {
		return errors.Wrap(err, "failed to select vector records")
	}
	if len(records) == 0 {
		return nil
	}

	if err := j.advance(JobSubmitting); err != nil {
		return err
	}
	var verdicts []adapters.SubmissionResult
	err = e.callAdapter(ctx, sink.SinkID(), func(ctx context.Context) error {
		var err error
		verdicts, err = sink.PushVectorRecords(ctx, weekEnding, records)
		return err
	})
	if err != nil {
		result.Failed = len(records)
		return err
	}

	byKey := make(map[string]adapters.SubmissionResult, len(verdicts))
	for _, v := range verdicts {
		byKey[v.Key] = v
	}
	for _, r := range records {
		v, ok := byKey[r.RecordKey]
		if !ok {
			result.Failed++
			continue
		}
		result.Submitted++
		switch v.Status {
		case adapters.SubmissionAccepted:
			result.Accepted++
		case adapters.SubmissionDuplicate:
			result.Duplicates++
		case adapters.SubmissionRejected:
			result.Rejected++
			e.log.Warn().Str("record_key", r.RecordKey).Str("reason", v.Reason).Msg("vector record rejected")
		default:
			result.Submitted--
			result.Failed++
		}
	}
	return nil
}
