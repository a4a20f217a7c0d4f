package syncengine

import (
	"fmt"
	"time"

	"github.com/phl-surveillance/platform/internal/shared/types"
)

// JobState is the lifecycle state of a sync job.
type JobState string

const (
	JobIdle          JobState = "idle"
	JobPulling       JobState = "pulling"
	JobDeduplicating JobState = "deduplicating"
	JobPersisting    JobState = "persisting"
	JobPushing       JobState = "pushing"
	JobSubmitting    JobState = "submitting"
	JobCompleted     JobState = "completed"
	JobFailed        JobState = "failed"
)

// jobTransitions lists the allowed moves. A paged pull loops
// persisting -> pulling and a batched push loops submitting -> pushing.
var jobTransitions = map[JobState][]JobState{
	JobIdle:          {JobPulling, JobPushing, JobFailed},
	JobPulling:       {JobDeduplicating, JobFailed},
	JobDeduplicating: {JobPersisting, JobFailed},
	JobPersisting:    {JobPulling, JobPushing, JobCompleted, JobFailed},
	JobPushing:       {JobSubmitting, JobCompleted, JobFailed},
	JobSubmitting:    {JobPushing, JobCompleted, JobFailed},
}

// CanTransition reports whether a job may move from s to next.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobKind names what a job does.
type JobKind string

const (
	JobKindPull       JobKind = "pull"
	JobKindPush       JobKind = "push"
	JobKindVectorPush JobKind = "vector_push"
)

// job tracks one sync run. It is owned by a single goroutine.
type job struct {
	ID        types.ID
	Kind      JobKind
	State     JobState
	StartedAt time.Time
}

func newJob(kind JobKind, now time.Time) *job {
	return &job{ID: types.NewID(), Kind: kind, State: JobIdle, StartedAt: now}
}

// advance moves the job to next. An illegal move is a programming error in
// the engine and is reported rather than silently applied.
func (j *job) advance(next JobState) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("sync job %s: illegal state change %s -> %s", j.ID, j.State, next)
	}
	j.State = next
	return nil
}

// fail moves any non-terminal job to failed.
func (j *job) fail() {
	if !j.State.Terminal() {
		j.State = JobFailed
	}
}
