// Package memory is an in-process canonical store used by tests and by
// local runs without PostgreSQL.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/shared/types"
	"github.com/phl-surveillance/platform/internal/storage"
)

type checkpointKey struct {
	sourceID string
	region   string
}

type sampleKey struct {
	sourceID string
	sampleID string
	date     string
}

func keyOf(k canonical.SampleKey) sampleKey {
	return sampleKey{sourceID: k.SourceID, sampleID: k.SampleID, date: canonical.Day(k.CollectionDate).Format("2006-01-02")}
}

// Store implements storage.Store in memory. Transactions are serialized and
// their writes are applied only when the callback succeeds.
type Store struct {
	mu sync.RWMutex

	checkpoints map[checkpointKey]canonical.SyncCheckpoint
	samples     map[sampleKey]map[int]canonical.Sample
	cases       map[types.ID]canonical.Case
	history     map[types.ID][]canonical.StatusChange
	vectors     map[types.ID]canonical.VectorRecord
	quarantine  []canonical.QuarantinedRecord
	reports     map[types.ID]canonical.Report
}

// New creates an empty store.
func New() *Store {
	return &Store{
		checkpoints: make(map[checkpointKey]canonical.SyncCheckpoint),
		samples:     make(map[sampleKey]map[int]canonical.Sample),
		cases:       make(map[types.ID]canonical.Case),
		history:     make(map[types.ID][]canonical.StatusChange),
		vectors:     make(map[types.ID]canonical.VectorRecord),
		reports:     make(map[types.ID]canonical.Report),
	}
}

func (s *Store) GetCheckpoint(ctx context.Context, sourceID, region string) (canonical.SyncCheckpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey{sourceID, region}]
	return cp, ok, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, region string) ([]canonical.SyncCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []canonical.SyncCheckpoint
	for k, cp := range s.checkpoints {
		if region == "" || k.region == region {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].Region < out[j].Region
	})
	return out, nil
}

func (s *Store) LatestRevisions(ctx context.Context, keys []canonical.SampleKey) (map[canonical.SampleKey]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[canonical.SampleKey]int)
	for _, k := range keys {
		if revs, ok := s.samples[keyOf(k)]; ok {
			out[k] = latestRevision(revs)
		}
	}
	return out, nil
}

func latestRevision(revs map[int]canonical.Sample) int {
	latest := 0
	for r := range revs {
		if r > latest {
			latest = r
		}
	}
	return latest
}

func (s *Store) ListSamples(ctx context.Context, f storage.SampleFilter) ([]canonical.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []canonical.Sample
	for _, revs := range s.samples {
		latest := revs[latestRevision(revs)]
		if f.County != "" && latest.County != f.County {
			continue
		}
		if !f.Range.Contains(latest.CollectionDate) {
			continue
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectionDate.Equal(out[j].CollectionDate) {
			return out[i].CollectionDate.Before(out[j].CollectionDate)
		}
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].SampleID < out[j].SampleID
	})
	return out, nil
}

func (s *Store) GetCase(ctx context.Context, id types.ID) (*canonical.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, errors.NotFound("case", id.String())
	}
	return &c, nil
}

func (s *Store) ListCases(ctx context.Context, f storage.CaseFilter) ([]*canonical.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*canonical.Case
	for _, c := range s.cases {
		if f.Destination != "" && c.DestinationSystem != f.Destination {
			continue
		}
		if f.Region != "" && c.County != f.Region {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, c.SubmissionStatus) {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportedAt.Equal(out[j].ReportedAt) {
			return out[i].ReportedAt.Before(out[j].ReportedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func hasStatus(statuses []canonical.SubmissionStatus, s canonical.SubmissionStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s *Store) CaseHistory(ctx context.Context, id types.ID) ([]canonical.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cases[id]; !ok {
		return nil, errors.NotFound("case", id.String())
	}
	return append([]canonical.StatusChange(nil), s.history[id]...), nil
}

func (s *Store) CountCasesByStatus(ctx context.Context, region string) (map[canonical.SubmissionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[canonical.SubmissionStatus]int)
	for _, c := range s.cases {
		if region == "" || c.County == region {
			out[c.SubmissionStatus]++
		}
	}
	return out, nil
}

func (s *Store) ExistingVectorRecords(ctx context.Context, ids []types.ID) (map[types.ID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.ID]bool)
	for _, id := range ids {
		if _, ok := s.vectors[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *Store) ListVectorRecords(ctx context.Context, f storage.VectorFilter) ([]canonical.VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []canonical.VectorRecord
	for _, v := range s.vectors {
		if f.County != "" && v.County != f.County {
			continue
		}
		if !f.WeekEnding.IsZero() {
			if !canonical.Day(v.WeekEnding).Equal(canonical.Day(f.WeekEnding)) {
				continue
			}
		} else if !f.Range.Contains(v.CollectionDate) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectionDate.Equal(out[j].CollectionDate) {
			return out[i].CollectionDate.Before(out[j].CollectionDate)
		}
		return out[i].RecordKey < out[j].RecordKey
	})
	return out, nil
}

func (s *Store) GetReport(ctx context.Context, id types.ID) (*canonical.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, errors.NotFound("report", id.String())
	}
	return &r, nil
}

func (s *Store) ListReports(ctx context.Context, f storage.ReportFilter) ([]canonical.Report, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []canonical.Report
	for _, r := range s.reports {
		if f.County != "" && r.County != f.County {
			continue
		}
		if !f.From.IsZero() && r.WeekEnding.Before(canonical.Day(f.From)) {
			continue
		}
		if !f.To.IsZero() && r.WeekEnding.After(canonical.Day(f.To)) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].GeneratedAt.Equal(matched[j].GeneratedAt) {
			return matched[i].GeneratedAt.After(matched[j].GeneratedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	total := len(matched)
	if f.Offset >= total {
		return []canonical.Report{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

// Quarantined returns every quarantined record.
func (s *Store) Quarantined() []canonical.QuarantinedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]canonical.QuarantinedRecord(nil), s.quarantine...)
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, created: make(map[types.ID]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	for _, apply := range tx.ops {
		apply()
	}
	return nil
}

// memTx stages writes as closures applied on commit. The store's write lock
// is held for the life of the transaction.
type memTx struct {
	store   *Store
	ops     []func()
	created map[types.ID]bool
}

func (t *memTx) SaveSamples(ctx context.Context, samples []canonical.Sample) error {
	staged := append([]canonical.Sample(nil), samples...)
	t.ops = append(t.ops, func() {
		for _, smp := range staged {
			k := keyOf(smp.Key())
			revs, ok := t.store.samples[k]
			if !ok {
				revs = make(map[int]canonical.Sample)
				t.store.samples[k] = revs
			}
			if _, exists := revs[smp.Revision]; !exists {
				revs[smp.Revision] = smp
			}
		}
	})
	return nil
}

func (t *memTx) SaveQuarantined(ctx context.Context, records []canonical.QuarantinedRecord) error {
	staged := append([]canonical.QuarantinedRecord(nil), records...)
	t.ops = append(t.ops, func() {
		t.store.quarantine = append(t.store.quarantine, staged...)
	})
	return nil
}

func (t *memTx) CreateCase(ctx context.Context, c *canonical.Case) (bool, error) {
	_, exists := t.store.cases[c.ID]
	if exists || t.created[c.ID] {
		staged := *c
		t.ops = append(t.ops, func() {
			existing := t.store.cases[staged.ID]
			existing.SampleRevision = staged.SampleRevision
			existing.PatientID = staged.PatientID
			existing.TestType = staged.TestType
			existing.County = staged.County
			existing.CollectionDate = staged.CollectionDate
			t.store.cases[staged.ID] = existing
		})
		return false, nil
	}

	t.created[c.ID] = true
	staged := *c
	transitions := append([]canonical.StatusChange(nil), c.Transitions()...)
	staged.ClearTransitions()
	t.ops = append(t.ops, func() {
		t.store.cases[staged.ID] = staged
		t.store.history[staged.ID] = append(t.store.history[staged.ID], transitions...)
	})
	return true, nil
}

func (t *memTx) UpdateCaseStatus(ctx context.Context, c *canonical.Case) error {
	if _, ok := t.store.cases[c.ID]; !ok && !t.created[c.ID] {
		return errors.NotFound("case", c.ID.String())
	}
	staged := *c
	transitions := append([]canonical.StatusChange(nil), c.Transitions()...)
	staged.ClearTransitions()
	t.ops = append(t.ops, func() {
		existing := t.store.cases[staged.ID]
		existing.SubmissionStatus = staged.SubmissionStatus
		existing.LastError = staged.LastError
		existing.Attempts = staged.Attempts
		existing.UpdatedAt = staged.UpdatedAt
		t.store.cases[staged.ID] = existing
		t.store.history[staged.ID] = append(t.store.history[staged.ID], transitions...)
	})
	return nil
}

func (t *memTx) SaveVectorRecords(ctx context.Context, records []canonical.VectorRecord) (int, error) {
	inserted := 0
	pending := make(map[types.ID]bool)
	var staged []canonical.VectorRecord
	for _, v := range records {
		if _, ok := t.store.vectors[v.ID]; ok || pending[v.ID] {
			continue
		}
		pending[v.ID] = true
		staged = append(staged, v)
		inserted++
	}
	t.ops = append(t.ops, func() {
		for _, v := range staged {
			if _, ok := t.store.vectors[v.ID]; !ok {
				t.store.vectors[v.ID] = v
			}
		}
	})
	return inserted, nil
}

func (t *memTx) SaveCheckpoint(ctx context.Context, cp canonical.SyncCheckpoint) error {
	t.ops = append(t.ops, func() {
		k := checkpointKey{cp.SourceID, cp.Region}
		next := cp
		if prev, ok := t.store.checkpoints[k]; ok && prev.LastSyncedAt.After(cp.LastSyncedAt) {
			next.LastSyncedAt = prev.LastSyncedAt
		}
		t.store.checkpoints[k] = next
	})
	return nil
}

func (t *memTx) SaveReport(ctx context.Context, r canonical.Report) error {
	if _, ok := t.store.reports[r.ID]; ok {
		return errors.Conflict("report " + r.ID.String() + " already exists")
	}
	t.ops = append(t.ops, func() {
		t.store.reports[r.ID] = r
	})
	return nil
}

var (
	_ storage.Store = (*Store)(nil)
	_ storage.Tx    = (*memTx)(nil)
)
