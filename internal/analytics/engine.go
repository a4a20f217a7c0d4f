// Package analytics computes aggregate surveillance metrics over canonical
// storage. Every call reads storage directly; nothing is cached.
package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phl-surveillance/platform/internal/canonical"
	"github.com/phl-surveillance/platform/internal/shared/errors"
	"github.com/phl-surveillance/platform/internal/storage"
)

// maxRangeDays bounds the daily trend series.
const maxRangeDays = 731

// Query selects the samples and vector records to aggregate. An empty
// County covers every region.
type Query struct {
	County string
	Range  canonical.DateRange
}

// Engine computes analytics snapshots.
type Engine struct {
	store   storage.Store
	regions canonical.RegionTable
	now     func() time.Time
}

// New creates an analytics engine reading from store.
func New(store storage.Store, regions canonical.RegionTable) *Engine {
	return &Engine{store: store, regions: regions, now: func() time.Time { return time.Now().UTC() }}
}

// ComputeSummary aggregates the window. Samples and vector records are read
// concurrently.
func (e *Engine) ComputeSummary(ctx context.Context, q Query) (canonical.AnalyticsSnapshot, error) {
	q, err := e.normalize(q)
	if err != nil {
		return canonical.AnalyticsSnapshot{}, err
	}

	var (
		samples []canonical.Sample
		vectors []canonical.VectorRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		samples, err = e.store.ListSamples(gctx, storage.SampleFilter{County: q.County, Range: q.Range})
		return err
	})
	g.Go(func() error {
		var err error
		vectors, err = e.store.ListVectorRecords(gctx, storage.VectorFilter{County: q.County, Range: q.Range})
		return err
	})
	if err := g.Wait(); err != nil {
		return canonical.AnalyticsSnapshot{}, errors.Wrap(err, "failed to read analytics data")
	}

	snap := Summarize(q, samples, vectors)
	snap.ComputedAt = e.now()
	return snap, nil
}

func (e *Engine) normalize(q Query) (Query, error) {
	if q.Range.Start.IsZero() || q.Range.End.Before(q.Range.Start) {
		return q, errors.Validation("invalid time range", map[string]string{"timeRange": "start and end dates are required, end not before start"})
	}
	if q.Range.Days() > maxRangeDays {
		return q, errors.Validation("time range too long", map[string]string{"timeRange": "at most 731 days"})
	}
	q.Range = canonical.DateRange{Start: canonical.Day(q.Range.Start), End: canonical.Day(q.Range.End)}

	if q.County != "" {
		code, ok := e.regions.Normalize(q.County)
		if !ok {
			return q, errors.Validation("unknown county", map[string]string{"countyCode": q.County})
		}
		q.County = code
	}
	return q, nil
}

// Summarize aggregates already-fetched records. Records outside q are
// ignored.
func Summarize(q Query, samples []canonical.Sample, vectors []canonical.VectorRecord) canonical.AnalyticsSnapshot {
	snap := canonical.AnalyticsSnapshot{County: q.County, Range: q.Range}

	days := q.Range.Days()
	trends := make([]canonical.DailyCount, days)
	for i := range trends {
		trends[i].Date = q.Range.Start.AddDate(0, 0, i)
	}
	dayIndex := func(t time.Time) int {
		return int(canonical.Day(t).Sub(q.Range.Start).Hours() / 24)
	}

	counties := make(map[string]*canonical.CountyStats)
	for _, s := range samples {
		if !q.Range.Contains(s.CollectionDate) || (q.County != "" && s.County != q.County) {
			continue
		}
		positive := s.Result == canonical.ResultPositive

		snap.TotalSamples++
		cs, ok := counties[s.County]
		if !ok {
			cs = &canonical.CountyStats{County: s.County}
			counties[s.County] = cs
		}
		cs.TotalSamples++

		d := &trends[dayIndex(s.CollectionDate)]
		d.TotalSamples++
		if positive {
			snap.PositiveCases++
			cs.PositiveCases++
			d.PositiveCases++
		}
	}
	snap.PositivityRate = rate(snap.PositiveCases, snap.TotalSamples)

	snap.GeographicDistribution = make([]canonical.CountyStats, 0, len(counties))
	for _, cs := range counties {
		cs.PositivityRate = rate(cs.PositiveCases, cs.TotalSamples)
		snap.GeographicDistribution = append(snap.GeographicDistribution, *cs)
	}
	sort.Slice(snap.GeographicDistribution, func(i, j int) bool {
		return snap.GeographicDistribution[i].County < snap.GeographicDistribution[j].County
	})

	species := make(map[string]int)
	for _, v := range vectors {
		if !q.Range.Contains(v.CollectionDate) || (q.County != "" && v.County != q.County) {
			continue
		}
		species[v.Species] += v.Count
		trends[dayIndex(v.CollectionDate)].VectorCount += v.Count
	}
	snap.SpeciesBreakdown = speciesBreakdown(species)
	snap.TemporalTrends = trends

	return snap
}

// rate is positives/total, or 0 when there is nothing to divide.
func rate(positives, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(positives) / float64(total)
}

// speciesBreakdown rounds percentages to one decimal with the largest
// remainder method so that a non-empty breakdown sums to exactly 100.
func speciesBreakdown(counts map[string]int) []canonical.SpeciesCount {
	out := make([]canonical.SpeciesCount, 0, len(counts))
	total := 0
	for name, n := range counts {
		out = append(out, canonical.SpeciesCount{Species: name, Count: n})
		total += n
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Species < out[j].Species
	})
	if total == 0 {
		return out
	}

	// Work in tenths of a percent.
	type share struct {
		idx       int
		tenths    int
		remainder float64
	}
	shares := make([]share, len(out))
	allotted := 0
	for i, sc := range out {
		exact := float64(sc.Count) * 1000 / float64(total)
		floor := math.Floor(exact)
		shares[i] = share{idx: i, tenths: int(floor), remainder: exact - floor}
		allotted += int(floor)
	}

	order := make([]share, len(shares))
	copy(order, shares)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].remainder > order[j].remainder
	})
	for k := 0; k < 1000-allotted; k++ {
		shares[order[k%len(order)].idx].tenths++
	}

	for _, s := range shares {
		out[s.idx].Percentage = float64(s.tenths) / 10
	}
	return out
}
