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

// Package optimize iteratively reshapes a named choose_args overlay so a
// rule's simulated distribution tracks its expected one more closely
// (§4.7).
package optimize

import (
	"context"
	"fmt"
	"runtime"

	"github.com/kylelemons/godebug/pretty"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/digitalocean/crush"
	"github.com/digitalocean/crush/analyze"
	"github.com/digitalocean/crush/compare"
)

// Options configures one optimize run.
type Options struct {
	Rule             string
	ReplicationCount int
	ValuesCount      int
	Values           []int64
	// ChooseArgsName is the overlay written to (and, if already present
	// on the crushmap, read from as a starting point).
	ChooseArgsName string
	// WithPositions optimizes one weight vector per replication position
	// in [1,ReplicationCount]; when false a single vector is produced and
	// reused for every position (§4.7).
	WithPositions bool
	// Step, when non-zero, stops the whole run as soon as the cumulative
	// number of objects moved (priced with crush/compare, scoped to the
	// bucket being optimized) exceeds Step. Zero means unbounded.
	Step int
	// Multithread fans the buckets of a tree level out across a worker
	// pool, each bucket starting from the overlay committed by earlier
	// levels (siblings never see each other's in-progress work).
	Multithread bool
}

// BucketResult is the outcome of optimizing one bucket.
type BucketResult struct {
	BucketName string
	MovedCount int
	Entry      *crush.WeightSetEntry
}

// Result is the outcome of one optimize run.
type Result struct {
	Overlay    crush.ChooseArgsOverlay
	Buckets    []BucketResult
	TotalMoved int
	Canceled   bool
}

const (
	improveTolerance = 10
	maxIterations    = 1000
)

// Run optimizes opts.Rule's take bucket top-down, level by level: every
// bucket at a level is optimized independently (in parallel when
// opts.Multithread is set), then the run descends to their children
// (§4.7 step c: a rule's choose step never mixes types at one level, so
// every bucket at a level shares a child type). It returns the
// accumulated overlay, ready to merge onto a crushmap under
// opts.ChooseArgsName via crush.MergeChooseArgs.
func Run(ctx context.Context, c *crush.Crushmap, opts Options) (*Result, error) {
	if opts.ReplicationCount < 1 {
		return nil, fmt.Errorf("crush/optimize: replication_count must be >= 1")
	}
	if opts.ChooseArgsName == "" {
		return nil, fmt.Errorf("crush/optimize: choose_args name required")
	}
	take, _, err := c.RuleTakeAndFailureDomain(opts.Rule)
	if err != nil {
		return nil, err
	}
	root := c.GetByName(take)
	if root == nil {
		return nil, fmt.Errorf("crush/optimize: rule %q take bucket %q not found", opts.Rule, take)
	}

	values := opts.Values
	if values == nil {
		n := opts.ValuesCount
		if n == 0 {
			n = analyze.DefaultValuesCount
		}
		values = make([]int64, n)
		for i := range values {
			values[i] = int64(i)
		}
	}

	overlay := crush.ChooseArgsOverlay{}
	for id, entry := range c.ChooseArgs[opts.ChooseArgsName] {
		overlay[id] = cloneEntry(entry)
	}

	result := &Result{Overlay: overlay}
	level := []*crush.Item{root}
	for len(level) > 0 {
		if ctx.Err() != nil {
			result.Canceled = true
			break
		}

		var buckets []*crush.Item
		for _, it := range level {
			if it.Kind == crush.KindBucket && len(it.Children()) > 0 {
				buckets = append(buckets, it)
			}
		}
		if len(buckets) == 0 {
			break
		}

		levelResults, err := optimizeLevel(ctx, c, overlay, buckets, opts, values)
		if err != nil {
			return nil, err
		}

		var levelMoved int
		for _, br := range levelResults {
			if br.Entry != nil {
				overlay[br.Entry.BucketID] = br.Entry
			}
			result.Buckets = append(result.Buckets, br)
			levelMoved += br.MovedCount
		}
		result.TotalMoved += levelMoved
		if opts.Step > 0 && result.TotalMoved > opts.Step {
			break
		}

		var next []*crush.Item
		for _, b := range buckets {
			next = append(next, b.Children()...)
		}
		level = next
	}

	return result, nil
}

// optimizeLevel optimizes every bucket of one tree level, each against
// the overlay committed by earlier levels, fanned out across a bounded
// worker pool via errgroup (§9 note on concurrency: tallies/overlay
// entries are per-bucket and merge without contention once collected).
func optimizeLevel(ctx context.Context, c *crush.Crushmap, overlay crush.ChooseArgsOverlay, buckets []*crush.Item, opts Options, values []int64) ([]BucketResult, error) {
	workers := 1
	if opts.Multithread {
		workers = runtime.NumCPU()
		if workers < 1 {
			workers = 1
		}
	}
	if workers > len(buckets) {
		workers = len(buckets)
	}

	results := make([]BucketResult, len(buckets))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	for i, bucket := range buckets {
		i, bucket := i, bucket
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if gctx.Err() != nil {
				return nil
			}
			br, err := optimizeBucket(gctx, c, overlay, bucket, opts, values)
			if err != nil {
				return err
			}
			results[i] = br
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// optimizeBucket optimizes every replication position of one bucket
// (§4.7 step a), seeding the overlay entry from either the already
// committed entry or the children's raw weights.
func optimizeBucket(ctx context.Context, c *crush.Crushmap, overlay crush.ChooseArgsOverlay, bucket *crush.Item, opts Options, values []int64) (BucketResult, error) {
	children := bucket.Children()
	entry := &crush.WeightSetEntry{BucketID: bucket.ID()}
	if existing, ok := overlay[bucket.ID()]; ok {
		entry = cloneEntry(existing)
	}

	positions := 1
	if opts.WithPositions {
		positions = opts.ReplicationCount
	}

	var totalMoved int
	for pos := 0; pos < positions; pos++ {
		ensurePosition(entry, children, pos)
		replicaR := opts.ReplicationCount
		if opts.WithPositions {
			replicaR = pos + 1
		}
		moved, err := optimizePosition(ctx, c, overlay, entry, bucket, children, pos, replicaR, opts, values)
		if err != nil {
			return BucketResult{}, err
		}
		totalMoved += moved
		if ctx.Err() != nil {
			break
		}
	}

	return BucketResult{BucketName: bucket.Name(), MovedCount: totalMoved, Entry: entry}, nil
}

// ensurePosition grows entry.WeightSet so index pos exists: the first
// row is seeded from the children's raw weights, later rows repeat the
// last known row, mirroring the python original's
// set_choose_arg_position.
func ensurePosition(entry *crush.WeightSetEntry, children []*crush.Item, pos int) {
	if len(entry.WeightSet) == 0 {
		row := make([]crush.Weight, len(children))
		for i, ch := range children {
			row[i] = ch.Weight()
		}
		entry.WeightSet = [][]crush.Weight{row}
	}
	for len(entry.WeightSet) <= pos {
		last := entry.WeightSet[len(entry.WeightSet)-1]
		row := make([]crush.Weight, len(last))
		copy(row, last)
		entry.WeightSet = append(entry.WeightSet, row)
	}
}

// optimizePosition runs the shift-weight loop of §4.7 step b for one
// replication position of one bucket: each iteration simulates the
// whole crushmap with a trial overlay, measures the delta between
// observed and expected occupancy across the bucket's own children, and
// moves weight from the worst-overfilled child to the worst-underfilled
// one. It stops on convergence, on improve_tolerance stagnation, on the
// iteration cap, or (with opts.Step set) once the priced move count
// exceeds the step budget.
func optimizePosition(ctx context.Context, origin *crush.Crushmap, overlay crush.ChooseArgsOverlay, entry *crush.WeightSetEntry, bucket *crush.Item, children []*crush.Item, pos, replicaR int, opts Options, values []int64) (int, error) {
	n := len(children)
	if n == 0 {
		return 0, nil
	}
	childType := children[0].TypeName()
	childIDs := make(map[int32]bool, n)
	for _, ch := range children {
		childIDs[ch.ID()] = true
	}

	weights := make([]float64, n)
	for i, w := range entry.WeightSet[pos] {
		weights[i] = w.Float64()
	}
	bestWeights := append([]float64{}, weights...)

	var previousDelta float64
	haveDelta := false
	noImprovement := 0

	for iter := 0; iter < maxIterations; iter++ {
		if ctx.Err() != nil {
			break
		}
		setRow(entry, pos, weights)
		trial := withEntry(origin, overlay, entry)

		report, err := analyze.Run(ctx, trial, analyze.Options{
			Rule:                    opts.Rule,
			ReplicationCount:        replicaR,
			Type:                    childType,
			Values:                  values,
			ChooseArgsName:          trialOverlayName,
			SkipFailureDomainStress: true,
		})
		if err != nil {
			setRow(entry, pos, bestWeights)
			return 0, err
		}

		var delta float64
		worstHighIdx, worstLowIdx := -1, -1
		var worstHighDelta, worstLowDelta, worstHighExpected float64
		byID := make(map[int32]analyze.Row, len(children))
		for _, row := range report.Rows {
			if childIDs[row.ID] {
				byID[row.ID] = row
			}
		}
		for i, ch := range children {
			row, ok := byID[ch.ID()]
			if !ok {
				continue
			}
			d := float64(row.Observed - row.Expected)
			delta += absf(d)
			if worstHighIdx == -1 || d > worstHighDelta {
				worstHighDelta, worstHighIdx = d, i
				worstHighExpected = float64(row.Expected)
			}
			if worstLowIdx == -1 || d < worstLowDelta {
				worstLowDelta, worstLowIdx = d, i
			}
		}
		if worstHighIdx == -1 {
			break
		}

		if log.IsLevelEnabled(log.DebugLevel) {
			log.WithFields(log.Fields{
				"bucket": bucket.Name(),
				"pos":    pos,
				"iter":   iter,
				"delta":  delta,
			}).Debug("optimize iteration\n" + pretty.Sprint(weights))
		}

		if haveDelta {
			if previousDelta < delta {
				noImprovement++
			} else {
				previousDelta = delta
				bestWeights = append([]float64{}, weights...)
				noImprovement = 0
			}
			if noImprovement >= improveTolerance {
				weights = bestWeights
				break
			}
		} else {
			bestWeights = append([]float64{}, weights...)
			previousDelta = delta
			haveDelta = true
		}

		if worstHighDelta <= 0 || worstLowDelta >= 0 {
			break
		}

		if opts.Step > 0 && noImprovement == 0 {
			moved, err := priceStep(ctx, origin, trial, opts, bucket, values)
			if err != nil {
				return 0, err
			}
			if moved > opts.Step {
				break
			}
		}

		var deltaPct float64
		if worstHighExpected > 0 {
			deltaPct = worstHighDelta / worstHighExpected
		}
		shift := weights[worstHighIdx] * minf(0.01, deltaPct)
		if weights[worstLowIdx] < shift {
			break
		}
		weights[worstHighIdx] -= shift
		weights[worstLowIdx] += shift
	}

	// Price the final weights against the unoptimized origin regardless
	// of whether a step budget was set, so BucketResult.MovedCount (and
	// Result.TotalMoved) always reflect how much this bucket's settled
	// overlay actually moves (§4.7 step h's pricing is otherwise only a
	// per-iteration early-exit check, not a final report).
	setRow(entry, pos, weights)
	finalTrial := withEntry(origin, overlay, entry)
	movedCount, err := priceStep(ctx, origin, finalTrial, opts, bucket, values)
	if err != nil {
		return 0, err
	}
	return movedCount, nil
}

// withEntry returns a shallow copy of origin with a trial choose_args
// overlay substituted: the committed overlay plus entry, so sibling
// buckets already optimized at earlier levels keep their weights while
// this bucket's candidate weights are exercised. The copy shares
// origin's id/name indexes (read-only) and its tree (never mutated),
// only ChooseArgs is replaced.
func withEntry(origin *crush.Crushmap, committed crush.ChooseArgsOverlay, entry *crush.WeightSetEntry) *crush.Crushmap {
	trial := *origin
	merged := make(crush.ChooseArgsOverlay, len(committed)+1)
	for id, e := range committed {
		merged[id] = e
	}
	merged[entry.BucketID] = entry
	trial.ChooseArgs = map[string]crush.ChooseArgsOverlay{trialOverlayName: merged}
	return &trial
}

// trialOverlayName is the choose_args name used internally for the
// per-iteration trial crushmap copies built by withEntry; it never
// appears in a caller-visible overlay.
const trialOverlayName = "__optimize_trial__"

// priceStep prices trial's candidate weights against origin, restricted
// to bucket's own devices: origin maps with no choose_args at all (the
// "before this bucket was touched" baseline) while trial maps with the
// candidate overlay registered under trialOverlayName, so the two sides
// actually diverge (§4.7 step h). Only the intra-bucket (FromTo) count
// gates the step budget, matching the python original's from_to_count;
// InOut (boundary-crossing) movement is logged but never priced against
// --step, since it is not movement this bucket's own reshuffle caused.
func priceStep(ctx context.Context, origin, trial *crush.Crushmap, opts Options, bucket *crush.Item, values []int64) (int, error) {
	scope, err := compare.BucketScope(trial, bucket.Name())
	if err != nil {
		return 0, err
	}
	res, err := compare.Run(ctx, origin, trial, compare.Options{
		Rule:             opts.Rule,
		ReplicationCount: opts.ReplicationCount,
		Values:           values,
		ScopeItems:       scope,
		ChooseArgsDest:   trialOverlayName,
	})
	if err != nil {
		return 0, err
	}
	moved := res.FromToCount()
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"bucket":  bucket.Name(),
			"from_to": moved,
			"in_out":  res.InOutCount(),
		}).Debug("optimize step pricing")
	}
	return moved, nil
}

func setRow(entry *crush.WeightSetEntry, pos int, weights []float64) {
	row := make([]crush.Weight, len(weights))
	for i, f := range weights {
		row[i] = crush.WeightFromFloat(f)
	}
	entry.WeightSet[pos] = row
}

func cloneEntry(e *crush.WeightSetEntry) *crush.WeightSetEntry {
	clone := &crush.WeightSetEntry{BucketID: e.BucketID}
	if e.IDs != nil {
		clone.IDs = append([]int32{}, e.IDs...)
	}
	clone.WeightSet = make([][]crush.Weight, len(e.WeightSet))
	for i, row := range e.WeightSet {
		clone.WeightSet[i] = append([]crush.Weight{}, row...)
	}
	return clone
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
