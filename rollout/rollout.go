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

// Package rollout applies a crush/optimize result to a live cluster
// gradually instead of all at once: pushing a whole new choose_args
// overlay in one `osd crush set-choose-args-bucket` burst can trigger
// more concurrent backfill than an operator wants, so Roller steps each
// bucket's weight-set rows toward the target a little per tick,
// stepping only while backfill/recovery stay under their configured
// ceilings: a whole per-bucket weight-set row is moved per tick instead
// of a single OSD's scalar crush weight.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/digitalocean/crush"
	"github.com/digitalocean/crush/cephconn"
)

const serviceName = "crush_rollout"

// Options configures a Roller.
type Options struct {
	// ChooseArgsName is the overlay name being rolled out.
	ChooseArgsName string
	// Target is the desired final overlay, e.g. the Overlay field of an
	// optimize.Result.
	Target crush.ChooseArgsOverlay
	// MaxStepFraction caps how far a single tick moves a weight-set entry
	// toward its target value, expressed as a fraction of the remaining
	// distance (0,1]. Weight-set rows are relative to sibling weights
	// rather than an absolute scale, so a fraction-of-remaining-distance
	// step is used instead of a fixed absolute increment.
	MaxStepFraction float64
	// MaxBackfillingPGs and MaxRecoveringPGs gate each tick.
	MaxBackfillingPGs int
	MaxRecoveringPGs  int
	// SleepInterval is the pause between ticks in Run.
	SleepInterval time.Duration
	// DryRun logs the weights that would be applied without calling
	// ApplyChooseArgs.
	DryRun bool
}

// Roller steps a live cluster's choose_args overlay toward a target,
// one bounded move per tick.
type Roller struct {
	ceph cephconn.Client
	opts Options

	current crush.ChooseArgsOverlay

	appliedDesc   *prometheus.Desc
	remainingDesc *prometheus.Desc
}

// New builds a Roller, fetching the cluster's current crushmap to seed
// the starting overlay for opts.ChooseArgsName (an empty overlay if the
// name isn't present yet).
func New(ceph cephconn.Client, opts Options) (*Roller, error) {
	if opts.ChooseArgsName == "" {
		return nil, errors.New("rollout: choose_args name required")
	}
	if len(opts.Target) == 0 {
		return nil, errors.New("rollout: empty target overlay")
	}
	if opts.MaxStepFraction <= 0 || opts.MaxStepFraction > 1 {
		opts.MaxStepFraction = 0.1
	}
	if opts.MaxBackfillingPGs == 0 {
		opts.MaxBackfillingPGs = 10
	}
	if opts.MaxRecoveringPGs == 0 {
		opts.MaxRecoveringPGs = 10
	}
	if opts.SleepInterval == 0 {
		opts.SleepInterval = 30 * time.Second
	}

	c, err := ceph.FetchCrushmap()
	if err != nil {
		return nil, fmt.Errorf("rollout: fetching current crushmap: %s", err)
	}
	current := crush.ChooseArgsOverlay{}
	for id, entry := range c.ChooseArgs[opts.ChooseArgsName] {
		current[id] = cloneEntry(entry)
	}
	for id, target := range opts.Target {
		if _, ok := current[id]; !ok {
			current[id] = seedFromTarget(target)
		}
	}

	return &Roller{
		ceph:    ceph,
		opts:    opts,
		current: current,
		appliedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_applied_weight", serviceName),
			"Current weight-set entry value per bucket/position/index during rollout",
			[]string{"bucket_id", "pos", "index"}, nil,
		),
		remainingDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_buckets_remaining", serviceName),
			"Count of buckets that have not yet reached their target overlay",
			nil, nil,
		),
	}, nil
}

// Run ticks Step every opts.SleepInterval until every bucket reaches
// its target or ctx is canceled, mirroring Rebalancer.Run's ticker loop.
func (ro *Roller) Run(ctx context.Context) {
	ticker := time.NewTicker(ro.opts.SleepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ro.Done() {
				log.Info("rollout: target overlay reached")
				return
			}
			if err := ro.Step(); err != nil {
				log.WithError(err).Error("rollout: step failed")
			}
		}
	}
}

// Done reports whether every tracked bucket has reached its target.
func (ro *Roller) Done() bool {
	for id, target := range ro.opts.Target {
		cur, ok := ro.current[id]
		if !ok || !entriesEqual(cur, target) {
			return false
		}
	}
	return true
}

// Step performs one gated move toward the target, mirroring
// Rebalancer.DoReweight: check backfill/recovery state, then move every
// bucket's weight-set rows a bounded fraction of the remaining distance,
// and publish the result via ApplyChooseArgs unless DryRun is set.
func (ro *Roller) Step() error {
	bpgs, err := ro.ceph.BackfillingPGs()
	if err != nil {
		return fmt.Errorf("rollout: checking backfilling pgs: %s", err)
	}
	if bpgs > ro.opts.MaxBackfillingPGs {
		log.WithField("backfill.pgs", bpgs).Warn("rollout: skipping step, backfilling pgs found")
		return nil
	}

	rpgs, err := ro.ceph.RecoveringPGs()
	if err != nil {
		return fmt.Errorf("rollout: checking recovering pgs: %s", err)
	}
	if rpgs > ro.opts.MaxRecoveringPGs {
		log.WithField("recovery.pgs", rpgs).Warn("rollout: skipping step, recovering pgs found")
		return nil
	}

	moved := crush.ChooseArgsOverlay{}
	for id, target := range ro.opts.Target {
		cur := ro.current[id]
		if cur == nil {
			cur = seedFromTarget(target)
		}
		next := stepEntry(cur, target, ro.opts.MaxStepFraction)
		if !entriesEqual(cur, next) {
			moved[id] = next
		}
		ro.current[id] = next
	}
	if len(moved) == 0 {
		return nil
	}

	ll := log.WithField("buckets.moved", len(moved))
	if ro.opts.DryRun {
		ll.Info("rollout: weights would be applied in the actual run")
		return nil
	}
	if err := ro.ceph.ApplyChooseArgs(ro.opts.ChooseArgsName, moved); err != nil {
		return fmt.Errorf("rollout: applying choose_args: %s", err)
	}
	ll.Info("rollout: step applied")
	return nil
}

// Verify that Roller implements prometheus.Collector.
var _ prometheus.Collector = &Roller{}

// Collect reports the current weight-set entries and count of buckets
// still short of their target.
func (ro *Roller) Collect(ch chan<- prometheus.Metric) {
	var remaining float64
	for id, target := range ro.opts.Target {
		cur, ok := ro.current[id]
		if !ok || !entriesEqual(cur, target) {
			remaining++
		}
		if cur == nil {
			continue
		}
		bucketID := fmt.Sprintf("%d", id)
		for pos, row := range cur.WeightSet {
			for i, w := range row {
				ch <- prometheus.MustNewConstMetric(
					ro.appliedDesc, prometheus.GaugeValue, w.Float64(),
					bucketID, fmt.Sprintf("%d", pos), fmt.Sprintf("%d", i),
				)
			}
		}
	}
	ch <- prometheus.MustNewConstMetric(ro.remainingDesc, prometheus.GaugeValue, remaining)
}

// Describe returns the descriptions for registered metrics.
func (ro *Roller) Describe(ch chan<- *prometheus.Desc) {
	ch <- ro.appliedDesc
	ch <- ro.remainingDesc
}

func seedFromTarget(target *crush.WeightSetEntry) *crush.WeightSetEntry {
	entry := &crush.WeightSetEntry{BucketID: target.BucketID, IDs: append([]int32{}, target.IDs...)}
	entry.WeightSet = make([][]crush.Weight, len(target.WeightSet))
	for i, row := range target.WeightSet {
		entry.WeightSet[i] = make([]crush.Weight, len(row))
	}
	return entry
}

func cloneEntry(e *crush.WeightSetEntry) *crush.WeightSetEntry {
	clone := &crush.WeightSetEntry{BucketID: e.BucketID, IDs: append([]int32{}, e.IDs...)}
	clone.WeightSet = make([][]crush.Weight, len(e.WeightSet))
	for i, row := range e.WeightSet {
		clone.WeightSet[i] = append([]crush.Weight{}, row...)
	}
	return clone
}

// stepEntry moves every row/index of cur a bounded fraction of the way
// toward target, row and index count taken from target (rows missing
// from cur start at zero).
func stepEntry(cur, target *crush.WeightSetEntry, fraction float64) *crush.WeightSetEntry {
	next := &crush.WeightSetEntry{BucketID: target.BucketID, IDs: append([]int32{}, target.IDs...)}
	next.WeightSet = make([][]crush.Weight, len(target.WeightSet))
	for pos, targetRow := range target.WeightSet {
		var curRow []crush.Weight
		if pos < len(cur.WeightSet) {
			curRow = cur.WeightSet[pos]
		}
		row := make([]crush.Weight, len(targetRow))
		for i, tw := range targetRow {
			var cw crush.Weight
			if i < len(curRow) {
				cw = curRow[i]
			}
			delta := tw.Float64() - cw.Float64()
			if delta > -1e-9 && delta < 1e-9 {
				row[i] = tw
				continue
			}
			row[i] = crush.WeightFromFloat(cw.Float64() + delta*fraction)
		}
		next.WeightSet[pos] = row
	}
	return next
}

func entriesEqual(a, b *crush.WeightSetEntry) bool {
	if len(a.WeightSet) != len(b.WeightSet) {
		return false
	}
	for pos, rowA := range a.WeightSet {
		rowB := b.WeightSet[pos]
		if len(rowA) != len(rowB) {
			return false
		}
		for i, wa := range rowA {
			wb := rowB[i]
			d := wa.Float64() - wb.Float64()
			if d > 1e-6 || d < -1e-6 {
				return false
			}
		}
	}
	return true
}
