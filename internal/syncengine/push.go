package syncengine

import (
	"context"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/events"
	"github.com/phl-surveillance/platform/internal/shared/metrics"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

// PushCommand asks for pending cases of a region to be submitted.
type PushCommand struct {
	DestinationSystem string
	Region            string
}

// PushResult accounts for every case selected by a push. Failed counts cases
// whose fate is unknown: the sink returned no verdict for them or became
// unavailable while they were in flight.
type PushResult struct {
	JobID             types.ID `json:"jobId"`
	DestinationSystem string   `json:"destinationSystem"`
	Region            string   `json:"region"`
	Selected          int      `json:"selected"`
	Submitted         int      `json:"submitted"`
	Accepted          int      `json:"accepted"`
	Rejected          int      `json:"rejected"`
	Duplicates        int      `json:"duplicates"`
	Failed            int      `json:"failed"`
	State             JobState `json:"state"`
}

// RunPush submits the region's pending cases in batches. Failed cases are
// not selected; they return to pending only through RetryCase.
func (e *Engine) RunPush(ctx context.Context, cmd PushCommand) (*PushResult, error) {
	if cmd.DestinationSystem == "" {
		return nil, errors.Validation("destinationSystem is required", map[string]string{"destinationSystem": "required"})
	}
	region, err := e.normalizeRegion(cmd.Region)
	if err != nil {
		return nil, err
	}
	sink, err := e.registry.CaseSink(cmd.DestinationSystem)
	if err != nil {
		return nil, errors.NotFound("destination", cmd.DestinationSystem)
	}

	key := pushLockKey(cmd.DestinationSystem, region)
	release, err := e.locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	j := newJob(JobKindPush, e.now())
	result := &PushResult{JobID: j.ID, DestinationSystem: cmd.DestinationSystem, Region: region}

	err = errors.FromContext(e.push(ctx, j, sink, region, result))
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

	e.log.Info().
		Str("job_id", j.ID.String()).
		Str("destination", cmd.DestinationSystem).
		Str("region", region).
		Int("submitted", result.Submitted).
		Int("accepted", result.Accepted).
		Int("rejected", result.Rejected).
		Int("duplicates", result.Duplicates).
		Int("failed", result.Failed).
		Msg("push completed")
	e.publish(ctx, events.TypeSyncPushCompleted, result)

	return result, nil
}

func (e *Engine) push(ctx context.Context, j *job, sink adapters.CaseSink, region string, result *PushResult) error {
	if err := j.advance(JobPushing); err != nil {
		return err
	}

	cases, err := e.store.ListCases(ctx, storage.CaseFilter{
		Destination: sink.SinkID(),
		Region:      region,
		Statuses:    []canonical.SubmissionStatus{canonical.StatusPending},
	})
	if err != nil {
		return errors.Wrap(err, "failed to select cases")
	}
	result.Selected = len(cases)

	for i, batch := range batchesBySource(cases, e.policy.PushBatchSize) {
		if i > 0 {
			if err := j.advance(JobPushing); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.advance(JobSubmitting); err != nil {
			return err
		}
		if err := e.submitBatch(ctx, sink, batch, result); err != nil {
			result.Failed += len(batch)
			return err
		}
	}
	return nil
}

// batchesBySource splits cases into batches of at most size that never mix
// sources. Sinks answer by sample ID, which is unique only within a source.
func batchesBySource(cases []*canonical.Case, size int) [][]*canonical.Case {
	var order []string
	bySource := make(map[string][]*canonical.Case)
	for _, c := range cases {
		if _, ok := bySource[c.SourceID]; !ok {
			order = append(order, c.SourceID)
		}
		bySource[c.SourceID] = append(bySource[c.SourceID], c)
	}

	var batches [][]*canonical.Case
	for _, src := range order {
		group := bySource[src]
		for start := 0; start < len(group); start += size {
			end := min(start+size, len(group))
			batches = append(batches, group[start:end])
		}
	}
	return batches
}

// submitBatch sends one batch and applies the verdicts. Status changes are
// staged on the loaded cases and persisted only once the sink has answered,
// so an unavailable sink leaves every case of the batch untouched.
func (e *Engine) submitBatch(ctx context.Context, sink adapters.CaseSink, batch []*canonical.Case, result *PushResult) error {
	now := e.now()
	var tally PushResult
	who := actor(ctx)

	outgoing := make([]canonical.Case, 0, len(batch))
	for _, c := range batch {
		if err := c.Transition(canonical.StatusSubmitted, who, "", now); err != nil {
			return err
		}
		outgoing = append(outgoing, *c)
	}

	var verdicts []adapters.SubmissionResult
	err := e.callAdapter(ctx, sink.SinkID(), func(ctx context.Context) error {
		var err error
		verdicts, err = sink.PushCases(ctx, outgoing)
		return err
	})
	if err != nil {
		return err
	}

	byKey := make(map[string]adapters.SubmissionResult, len(verdicts))
	for _, v := range verdicts {
		byKey[v.Key] = v
	}

	var changed []*canonical.Case
	for _, c := range batch {
		v, ok := byKey[c.SampleID]
		if !ok {
			tally.Failed++
			e.log.Warn().Str("case_id", c.ID.String()).Str("destination", sink.SinkID()).Msg("sink returned no verdict for case")
			continue
		}

		switch v.Status {
		case adapters.SubmissionAccepted:
			err = c.Transition(canonical.StatusAcknowledged, who, "", now)
			tally.Accepted++
		case adapters.SubmissionDuplicate:
			err = c.Transition(canonical.StatusAcknowledged, who, "already acknowledged by destination", now)
			tally.Duplicates++
		case adapters.SubmissionRejected:
			err = c.Transition(canonical.StatusFailed, who, v.Reason, now)
			tally.Rejected++
		default:
			tally.Failed++
			e.log.Warn().Str("case_id", c.ID.String()).Str("status", string(v.Status)).Msg("unknown submission status")
			continue
		}
		if err != nil {
			return err
		}
		tally.Submitted++
		metrics.RecordCaseSubmission(sink.SinkID(), string(v.Status))
		changed = append(changed, c)
	}

	if len(changed) == 0 {
		result.add(tally)
		return nil
	}

	persistCtx := context.WithoutCancel(ctx)
	err = e.store.WithinTx(persistCtx, func(tx storage.Tx) error {
		for _, c := range changed {
			if err := tx.UpdateCaseStatus(persistCtx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to record submission results")
	}
	result.add(tally)

	for _, c := range changed {
		for _, t := range c.Transitions() {
			metrics.RecordCaseStatusChange(string(t.From), string(t.To))
		}
		first := c.Transitions()[0]
		e.publish(ctx, events.TypeCaseStatusChanged, caseStatusChanged{
			CaseID: c.ID,
			From:   first.From,
			To:     c.SubmissionStatus,
			Reason: c.LastError,
		})
		c.ClearTransitions()
	}
	return nil
}

func (r *PushResult) add(o PushResult) {
	r.Submitted += o.Submitted
	r.Accepted += o.Accepted
	r.Rejected += o.Rejected
	r.Duplicates += o.Duplicates
	r.Failed += o.Failed
}
