//   Copyright 2020 DigitalOcean
//
//   Licensed under the Apache License, Version 2.0 (the "License");
//   you may not use this file except in compliance with the License.
//   You may obtain a copy of the License at
//
//       http://www.apache.org/licenses/LICENSE-2.0
//
//   Unless required by applicable law or agreed to in writing, software
//   distributed under the License is distributed on an "AS IS" BASIS,
//   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//   See the License for the specific language governing permissions and
//   limitations under the License.

// Package analyze simulates a crushmap's rule over a stream of input
// values and reports, per item, how its observed occupancy compares to
// its theoretical share of the workload (§4.5).
package analyze

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/digitalocean/crush"
)

// DefaultValuesCount is used when Options.ValuesCount is zero and no
// explicit Values slice is given; it mirrors the teacher corpus's own
// analyze CLI default of 100000 samples.
const DefaultValuesCount = 100000

// Row is one item's report line: its identity, its weight at every stage
// of cropping/normalization, and its expected-vs-observed occupancy.
type Row struct {
	ID               int32
	Name             string
	Type             string
	RawWeight        float64
	CroppedWeight    float64
	CroppedPct       float64
	NormalizedWeight float64
	Expected         int
	Observed         int
	OverUnderFillPct float64
	Overweighted     bool
}

// Report is the result of one analyze run: the report-type rows sorted
// worst-first, the overweighted items flagged during cropping, and (when
// computed) the per-type worst case if one failure-domain item is lost.
type Report struct {
	Rows         []Row
	Overweighted []Row
	WorstCase    map[string]float64 // type name -> max over-fill % across single-item failures
	Skipped      int                // values that produced a BadMapping and were skipped
	Canceled     bool
}

// Options configures one analyze run.
type Options struct {
	Rule             string
	ReplicationCount int
	// Type overrides which item type the report's Rows describe; defaults
	// to the rule's failure domain (its first choose/chooseleaf type).
	Type string
	// ValuesCount generates the value stream {0, ..., ValuesCount-1} when
	// Values is nil.
	ValuesCount int
	Values      []int64
	Weights     crush.WeightsOverlay
	ChooseArgsName string
	// SkipFailureDomainStress disables the §4.5 step 7 re-simulation,
	// which costs one extra full simulation per failure-domain candidate.
	SkipFailureDomainStress bool
}

// BadMapping describes a value whose mapping returned fewer than
// ReplicationCount devices. Run never returns it as an error: such a
// value is left out of the tallies and counted in Report.Skipped.
type BadMapping struct {
	Value int64
	Got    int
	Wanted int
}

func (e *BadMapping) Error() string {
	return fmt.Sprintf("crush/analyze: value %d mapped to %d devices, wanted %d", e.Value, e.Got, e.Wanted)
}

// Run simulates opts.Rule over opts.Values (or ValuesCount sequential
// values) and produces a Report. It checks ctx between value batches and
// between failure-domain candidates; on cancellation it returns the best
// result computed so far with Report.Canceled set.
func Run(ctx context.Context, c *crush.Crushmap, opts Options) (*Report, error) {
	if opts.ReplicationCount < 1 {
		return nil, fmt.Errorf("crush/analyze: replication_count must be >= 1")
	}
	take, failureDomain, err := c.RuleTakeAndFailureDomain(opts.Rule)
	if err != nil {
		return nil, err
	}
	root := c.GetByName(take)
	if root == nil {
		return nil, fmt.Errorf("crush/analyze: rule %q take bucket %q not found", opts.Rule, take)
	}
	reportType := opts.Type
	if reportType == "" {
		reportType = failureDomain
	}

	values := opts.Values
	if values == nil {
		n := opts.ValuesCount
		if n == 0 {
			n = DefaultValuesCount
		}
		values = sequentialValues(n)
	}

	allRows, skipped, canceled, err := simulate(ctx, c, root, opts.Rule, opts.ReplicationCount, values, opts.Weights, opts.ChooseArgsName)
	if err != nil {
		return nil, err
	}

	report := &Report{Skipped: skipped, Canceled: canceled}
	for _, row := range allRows {
		if row.Type == reportType && row.RawWeight > 0 {
			report.Rows = append(report.Rows, row)
		}
		if row.Overweighted && row.Type == reportType {
			report.Overweighted = append(report.Overweighted, row)
		}
	}
	slices.SortFunc(report.Rows, func(a, b Row) bool { return a.OverUnderFillPct > b.OverUnderFillPct })
	slices.SortFunc(report.Overweighted, func(a, b Row) bool { return a.ID < b.ID })

	if !opts.SkipFailureDomainStress && !canceled {
		worst, err := failureDomainStress(ctx, c, root, failureDomain, opts, values)
		if err != nil {
			return nil, err
		}
		report.WorstCase = worst
	}
	if ctx.Err() != nil {
		report.Canceled = true
	}

	return report, nil
}

func sequentialValues(n int) []int64 {
	v := make([]int64, n)
	for i := range v {
		v[i] = int64(i)
	}
	return v
}

// itemInfo is one subtree member plus the chain of ancestor ids (itself
// last) used to propagate observed counts upward.
type itemInfo struct {
	item      *crush.Item
	ancestors []int32 // root first, item's own id last
}

// collectSubtree gathers every item reachable from root, root included,
// with its ancestor chain, using an explicit stack per the design note
// against recursive tree walks in path-collecting code (§9 note 9).
func collectSubtree(root *crush.Item) []itemInfo {
	type frame struct {
		item *crush.Item
		path []int32
	}
	var out []itemInfo
	stack := []frame{{item: root, path: nil}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		path := append(append([]int32{}, f.path...), f.item.ID())
		out = append(out, itemInfo{item: f.item, ancestors: path})
		children := f.item.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{item: children[i], path: path})
		}
	}
	return out
}

func simulate(ctx context.Context, c *crush.Crushmap, root *crush.Item, rule string, R int, values []int64, weights crush.WeightsOverlay, chooseArgsName string) (map[int32]Row, int, bool, error) {
	infos := collectSubtree(root)
	byID := make(map[int32]itemInfo, len(infos))
	byType := map[string][]itemInfo{}
	for _, info := range infos {
		byID[info.item.ID()] = info
		byType[info.item.TypeName()] = append(byType[info.item.TypeName()], info)
	}

	observed, skipped, canceled, err := tally(ctx, c, rule, R, values, weights, chooseArgsName, byID)
	if err != nil {
		return nil, 0, false, err
	}

	rows := map[int32]Row{}
	for typ, items := range byType {
		crop := cropType(items, R)
		var sumCropped float64
		for _, info := range items {
			sumCropped += crop[info.item.ID()].croppedWeight
		}
		expected := expectedCounts(items, crop, sumCropped, R*len(values))
		for _, info := range items {
			id := info.item.ID()
			cw := crop[id]
			nweight := 0.0
			if sumCropped > 0 {
				nweight = cw.croppedWeight / sumCropped
			}
			capacity := nweight * float64(R*len(values))
			overPct := 0.0
			if capacity > 0 {
				overPct = (float64(observed[id])/capacity-1)*100 - cw.croppedPct
			}
			rows[id] = Row{
				ID:               id,
				Name:             info.item.Name(),
				Type:             typ,
				RawWeight:        info.item.Weight().Float64(),
				CroppedWeight:    cw.croppedWeight,
				CroppedPct:       cw.croppedPct,
				NormalizedWeight: nweight,
				Expected:         expected[id],
				Observed:         observed[id],
				OverUnderFillPct: overPct,
				Overweighted:     cw.overweighted,
			}
		}
	}
	return rows, skipped, canceled, nil
}

// tally maps every value (sharded across a worker pool, per §5's
// "embarrassingly parallel over V" note) and, for every device the
// mapping returns, increments the observed count of every ancestor on its
// path. Tallies are summed across workers, which is safe because they are
// commutative and associative (§5).
func tally(ctx context.Context, c *crush.Crushmap, rule string, R int, values []int64, weights crush.WeightsOverlay, chooseArgsName string, byID map[int32]itemInfo) (map[int32]int, int, bool, error) {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	if workers > len(values) && len(values) > 0 {
		workers = len(values)
	}
	if workers == 0 {
		return map[int32]int{}, 0, false, nil
	}

	type partial struct {
		counts  map[int32]int
		skipped int
		canceled bool
	}
	partials := make([]partial, workers)

	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(values) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunk
		end := start + chunk
		if end > len(values) {
			end = len(values)
		}
		if start >= end {
			continue
		}
		g.Go(func() error {
			p := partial{counts: map[int32]int{}}
			var opts []crush.MapOption
			if weights != nil {
				opts = append(opts, crush.WithWeights(weights))
			}
			if chooseArgsName != "" {
				opts = append(opts, crush.WithChooseArgs(chooseArgsName))
			}
			for _, v := range values[start:end] {
				if gctx.Err() != nil {
					p.canceled = true
					break
				}
				mapping, err := c.Map(rule, v, R, opts...)
				if err != nil {
					return err
				}
				devices := 0
				for _, name := range mapping {
					if name != "" {
						devices++
					}
				}
				if devices < R {
					p.skipped++
					continue
				}
				for _, name := range mapping {
					if name == "" {
						continue
					}
					item := c.GetByName(name)
					if item == nil {
						continue
					}
					info, ok := byID[item.ID()]
					if !ok {
						continue
					}
					for _, aid := range info.ancestors {
						p.counts[aid]++
					}
				}
			}
			partials[w] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, false, err
	}

	merged := map[int32]int{}
	skipped := 0
	canceled := false
	for _, p := range partials {
		for id, n := range p.counts {
			merged[id] += n
		}
		skipped += p.skipped
		canceled = canceled || p.canceled
	}
	return merged, skipped, canceled, nil
}

type cropInfo struct {
	croppedWeight float64
	croppedPct    float64
	overweighted  bool
}

// cropType implements §4.5 step 2: items whose raw weight exceeds
// total_weight_of_type/R cannot be filled proportionally at replication
// count R, so their effective weight is capped to the mean of the
// remaining (non-overweighted) items' weight, recomputed until no further
// item exceeds that mean (S2).
func cropType(items []itemInfo, R int) map[int32]cropInfo {
	n := len(items)
	result := make(map[int32]cropInfo, n)
	if n == 0 || R < 1 {
		return result
	}

	var totalRaw float64
	for _, info := range items {
		totalRaw += info.item.Weight().Float64()
	}
	threshold := totalRaw / float64(R)

	overweighted := map[int32]bool{}
	for _, info := range items {
		if info.item.Weight().Float64() > threshold {
			overweighted[info.item.ID()] = true
		}
	}

	var meanRemaining float64
	for {
		var sumRemaining float64
		remainingCount := 0
		for _, info := range items {
			if overweighted[info.item.ID()] {
				continue
			}
			sumRemaining += info.item.Weight().Float64()
			remainingCount++
		}
		if remainingCount == 0 {
			meanRemaining = 0
			break
		}
		meanRemaining = sumRemaining / float64(remainingCount)
		changed := false
		for _, info := range items {
			if overweighted[info.item.ID()] {
				continue
			}
			if info.item.Weight().Float64() > meanRemaining {
				overweighted[info.item.ID()] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	for _, info := range items {
		raw := info.item.Weight().Float64()
		if overweighted[info.item.ID()] {
			pct := 0.0
			if raw > 0 {
				pct = (raw - meanRemaining) / raw * 100
			}
			result[info.item.ID()] = cropInfo{croppedWeight: meanRemaining, croppedPct: pct, overweighted: true}
		} else {
			result[info.item.ID()] = cropInfo{croppedWeight: raw, croppedPct: 0, overweighted: false}
		}
	}
	return result
}

// expectedCounts implements §4.5 step 4: expected_i = round(total *
// nweight_i), with the largest-remainder method distributing the
// rounding error so that the per-type sum is exactly total.
func expectedCounts(items []itemInfo, crop map[int32]cropInfo, sumCropped float64, total int) map[int32]int {
	result := make(map[int32]int, len(items))
	if sumCropped <= 0 {
		return result
	}

	type share struct {
		id       int32
		floor    int
		fraction float64
	}
	shares := make([]share, 0, len(items))
	assigned := 0
	for _, info := range items {
		id := info.item.ID()
		nweight := crop[id].croppedWeight / sumCropped
		exact := nweight * float64(total)
		floor := int(exact)
		shares = append(shares, share{id: id, floor: floor, fraction: exact - float64(floor)})
		assigned += floor
	}
	remainder := total - assigned
	sort.SliceStable(shares, func(i, j int) bool { return shares[i].fraction > shares[j].fraction })
	for i := range shares {
		if i < remainder {
			shares[i].floor++
		}
		result[shares[i].id] = shares[i].floor
	}
	return result
}

// failureDomainStress implements §4.5 step 7: for every candidate item of
// the failure-domain type, remove it and re-simulate to see how badly
// each type's worst item overfills. Skipped entirely when the failure
// domain is "device" (there is nothing coarser to fail one unit of) or
// when fewer than R+1 candidates exist (§9 open question (i): the more
// conservative reading wins, so ambiguity here means "skip, don't guess").
func failureDomainStress(ctx context.Context, c *crush.Crushmap, root *crush.Item, failureDomain string, opts Options, values []int64) (map[string]float64, error) {
	if failureDomain == "" || failureDomain == crush.DeviceTypeName {
		return nil, nil
	}
	var candidates []*crush.Item
	crush.Walk([]*crush.Item{root}, func(it *crush.Item) {
		if it.TypeName() == failureDomain {
			candidates = append(candidates, it)
		}
	})
	if len(candidates) < opts.ReplicationCount+1 {
		return nil, nil
	}

	worst := map[string]float64{}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		id := candidate.ID()
		filtered := crush.Filter(c, func(it *crush.Item) bool { return it.ID() == id })
		newRoot := filtered.GetByName(root.Name())
		if newRoot == nil {
			continue
		}
		rows, _, _, err := simulate(ctx, filtered, newRoot, opts.Rule, opts.ReplicationCount, values, opts.Weights, opts.ChooseArgsName)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.OverUnderFillPct > worst[row.Type] {
				worst[row.Type] = row.OverUnderFillPct
			}
		}
	}
	return worst, nil
}
