// Package syncengine moves records between external systems and canonical
// storage. It pulls from sources, deduplicates, persists samples and cases,
// pushes cases and vector records to sinks, and owns sync checkpoints.
package syncengine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/phl-surveillance/platform/internal/adapters"
	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/auth"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/events"
	"github.com/phl-surveillance/platform/internal/shared/metrics"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

const eventSource = "sync-engine"

// Engine is the only writer of samples, cases, vector records and
// checkpoints.
type Engine struct {
	store     storage.Store
	registry  *adapters.Registry
	locker    Locker
	publisher events.Publisher
	regions   canonical.RegionTable
	policy    Policy
	log       zerolog.Logger

	now func() time.Time
}

// Deps holds the collaborators of an Engine.
type Deps struct {
	Store     storage.Store
	Registry  *adapters.Registry
	Locker    Locker
	Publisher events.Publisher
	Regions   canonical.RegionTable
	Policy    Policy
	Log       zerolog.Logger
}

// New creates an engine.
func New(d Deps) *Engine {
	if d.Locker == nil {
		d.Locker = NewMemoryLocker()
	}
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	return &Engine{
		store:     d.Store,
		registry:  d.Registry,
		locker:    d.Locker,
		publisher: d.Publisher,
		regions:   d.Regions,
		policy:    d.Policy.withDefaults(),
		log:       d.Log.With().Str("component", "sync-engine").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// callAdapter runs one adapter call under the retry policy. Each attempt gets
// its own deadline; an attempt that times out while the caller is still
// waiting is reported as AdapterUnavailable.
func (e *Engine) callAdapter(ctx context.Context, adapter string, fn func(ctx context.Context) error) error {
	err := e.policy.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.policy.AdapterTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil || errors.Is(err, errors.ErrAdapterUnavailable) {
			return err
		}
		if ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return errors.AdapterUnavailable(adapter, err)
		}
		return err
	})
	if errors.Is(err, errors.ErrAdapterUnavailable) {
		metrics.RecordAdapterUnavailable(adapter)
	}
	return err
}

// publish emits an event. Failures are logged and never undo canonical
// writes.
func (e *Engine) publish(ctx context.Context, eventType string, data any) {
	event := events.NewEvent(eventType, eventSource, data)
	if id := auth.GetIdentity(ctx); id != nil {
		event = event.WithActor(id.Subject, id.Role)
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}

// actor names the caller for the case audit trail.
func actor(ctx context.Context) string {
	if id := auth.GetIdentity(ctx); id != nil {
		return id.Subject
	}
	return eventSource
}

// normalizeRegion validates a region code against the region table.
func (e *Engine) normalizeRegion(region string) (string, error) {
	code, ok := e.regions.Normalize(region)
	if !ok {
		return "", errors.Validation("unknown region", map[string]string{"region": region})
	}
	return code, nil
}

// CaseView is a case with its status history.
type CaseView struct {
	*canonical.Case
	History []canonical.StatusChange `json:"history"`
}

// GetCase returns a case and its audit trail.
func (e *Engine) GetCase(ctx context.Context, id types.ID) (*CaseView, error) {
	c, err := e.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := e.store.CaseHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CaseView{Case: c, History: history}, nil
}

// RetryCase resets a failed case to pending so the next push submits it
// again. This is the only way a case moves backward.
func (e *Engine) RetryCase(ctx context.Context, id types.ID) (*canonical.Case, error) {
	c, err := e.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}

	from := c.SubmissionStatus
	if err := c.Retry(actor(ctx), e.now()); err != nil {
		return nil, err
	}

	err = e.store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateCaseStatus(ctx, c)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to retry case")
	}
	c.ClearTransitions()

	metrics.RecordCaseStatusChange(string(from), string(c.SubmissionStatus))
	e.publish(ctx, events.TypeCaseStatusChanged, caseStatusChanged{
		CaseID: c.ID, From: from, To: c.SubmissionStatus, Reason: "manual retry",
	})
	e.log.Info().Str("case_id", c.ID.String()).Str("actor", actor(ctx)).Msg("case reset for retry")

	return c, nil
}

// Status summarizes checkpoints and case counts for a region. An empty
// region covers every region.
func (e *Engine) Status(ctx context.Context, region string) (canonical.SyncStatus, error) {
	if region != "" {
		code, err := e.normalizeRegion(region)
		if err != nil {
			return canonical.SyncStatus{}, err
		}
		region = code
	}

	checkpoints, err := e.store.ListCheckpoints(ctx, region)
	if err != nil {
		return canonical.SyncStatus{}, err
	}
	counts, err := e.store.CountCasesByStatus(ctx, region)
	if err != nil {
		return canonical.SyncStatus{}, err
	}
	if checkpoints == nil {
		checkpoints = []canonical.SyncCheckpoint{}
	}
	return canonical.SyncStatus{Region: region, Checkpoints: checkpoints, CaseCounts: counts}, nil
}

type caseStatusChanged struct {
	CaseID types.ID                   `json:"caseId"`
	From   canonical.SubmissionStatus `json:"from"`
	To     canonical.SubmissionStatus `json:"to"`
	Reason string                     `json:"reason,omitempty"`
}

type jobFailed struct {
	JobID types.ID `json:"jobId"`
	Kind  JobKind  `json:"kind"`
	Key   string   `json:"key"`
	Error string   `json:"error"`
}

// finish records metrics for a job that reached a terminal state.
func (e *Engine) finish(ctx context.Context, j *job, key string, err error) {
	metrics.RecordSyncJob(string(j.Kind), string(j.State), e.now().Sub(j.StartedAt))
	if err == nil {
		return
	}
	e.log.Error().Err(err).
		Str("job_id", j.ID.String()).
		Str("kind", string(j.Kind)).
		Str("key", key).
		Msg("sync job failed")
	e.publish(ctx, events.TypeSyncJobFailed, jobFailed{JobID: j.ID, Kind: j.Kind, Key: key, Error: err.Error()})
}
