package syncengine

import (
	"context"
	"strings"
	"time"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/config"
	"github.com/phl-surveillance/platform/internal/shared/errors"
)

// RetryPolicy retries adapter calls that fail as unavailable, doubling the
// wait between attempts up to MaxBackoff.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Do runs fn until it succeeds, fails with something other than
// ErrAdapterUnavailable, or the attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || !errors.Is(err, errors.ErrAdapterUnavailable) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return err
}

// ReportableCriteria decides which positive samples become cases. An empty
// allow-list accepts every positive.
type ReportableCriteria struct {
	TestTypes []string
}

// Reportable reports whether s must be reported.
func (c ReportableCriteria) Reportable(s canonical.Sample) bool {
	if s.Result != canonical.ResultPositive {
		return false
	}
	if len(c.TestTypes) == 0 {
		return true
	}
	for _, t := range c.TestTypes {
		if strings.EqualFold(t, s.TestType) {
			return true
		}
	}
	return false
}

// Policy bundles the engine's tunables.
type Policy struct {
	Retry           RetryPolicy
	Reportable      ReportableCriteria
	AdapterTimeout  time.Duration
	PushBatchSize   int
	CaseDestination string
}

// PolicyFromConfig builds a Policy from the sync configuration.
func PolicyFromConfig(cfg config.SyncConfig) Policy {
	return Policy{
		Retry: RetryPolicy{
			Attempts:       cfg.RetryAttempts,
			InitialBackoff: cfg.RetryInitialBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
		},
		Reportable:      ReportableCriteria{TestTypes: cfg.ReportableTestTypes},
		AdapterTimeout:  cfg.AdapterTimeout,
		PushBatchSize:   cfg.PushBatchSize,
		CaseDestination: cfg.CaseDestination,
	}
}

func (p Policy) withDefaults() Policy {
	if p.AdapterTimeout <= 0 {
		p.AdapterTimeout = 60 * time.Second
	}
	if p.PushBatchSize <= 0 {
		p.PushBatchSize = 50
	}
	if p.CaseDestination == "" {
		p.CaseDestination = "nedss"
	}
	return p
}
