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

// Package compare maps the same stream of input values against two
// crushmaps and reports which objects moved from one device to another
// (§4.6).
package compare

import (
	"context"
	"fmt"

	"github.com/kylelemons/godebug/pretty"

	"github.com/digitalocean/crush"
)

// Options configures one comparison.
type Options struct {
	Rule             string
	ReplicationCount int
	ValuesCount      int
	Values           []int64
	// OrderMatters treats position i of the mapped list as significant
	// (appropriate for erasure-coded rules using "indep" steps); when
	// false, a move is only recorded when the *set* of devices differs
	// (appropriate for replicated rules using "firstn" steps).
	OrderMatters bool
	// ScopeItems, when non-nil, restricts the moves recorded in FromTo
	// and InOut to those touching at least one device in this set, and
	// splits them into FromTo (both endpoints inside the scope) and
	// InOut (exactly one endpoint inside, i.e. crossing the scope's
	// boundary), per §4.6. ObjectsCount and ObjectsMoved are not scoped. The optimizer uses this to price a single
	// bucket's reshuffle without simulating movement in unrelated parts
	// of the tree (§4.7 step b).
	ScopeItems map[string]bool
	// WeightsOrig / WeightsDest apply the ephemeral per-call weights
	// dictionary (§3, §4.4) to the origin / destination side
	// respectively (spec §6's weights_orig/weights_dest).
	WeightsOrig crush.WeightsOverlay
	WeightsDest crush.WeightsOverlay
	// ChooseArgsOrig / ChooseArgsDest name a choose_args overlay already
	// registered on the origin / destination crushmap respectively
	// (spec §6's ca_orig/ca_dest; §4.6's "optional per-side overlay").
	ChooseArgsOrig string
	ChooseArgsDest string
}

// Result is the outcome of one comparison: how many objects were
// simulated, how many moved, and the move matrix (origin device name to
// destination device name to object count), split by §4.6's
// intra-bucket (FromTo) vs boundary-crossing (InOut) classification when
// Options.ScopeItems is set. Without a scope, every move lands in
// FromTo and InOut stays empty.
type Result struct {
	ObjectsCount int
	ObjectsMoved int
	FromTo       map[string]map[string]int
	InOut        map[string]map[string]int
	Skipped      int
}

// FromToCount returns the total number of intra-bucket (or, without a
// scope, total) moves recorded in FromTo.
func (r *Result) FromToCount() int { return sumMatrix(r.FromTo) }

// InOutCount returns the total number of boundary-crossing moves
// recorded in InOut.
func (r *Result) InOutCount() int { return sumMatrix(r.InOut) }

func sumMatrix(m map[string]map[string]int) int {
	var n int
	for _, row := range m {
		for _, count := range row {
			n += count
		}
	}
	return n
}

// FromPercent returns the fraction (0-1) of all objects that moved away
// from item.
func (r *Result) FromPercent(item string) float64 {
	if r.ObjectsCount == 0 {
		return 0
	}
	var n int
	for _, to := range r.FromTo[item] {
		n += to
	}
	return float64(n) / float64(r.ObjectsCount)
}

// ToPercent returns the fraction (0-1) of all objects that moved onto
// item.
func (r *Result) ToPercent(item string) float64 {
	if r.ObjectsCount == 0 {
		return 0
	}
	var n int
	for _, row := range r.FromTo {
		n += row[item]
	}
	return float64(n) / float64(r.ObjectsCount)
}

// String pretty-prints the move matrix for logging, the same format the
// move matrix is inspected in during development.
func (r *Result) String() string {
	return pretty.Sprint(r)
}

// Run compares origin and destination over opts.Values (or the sequence
// {0,...,ValuesCount-1}), mapping both with the same rule and
// replication count (§4.6).
func Run(ctx context.Context, origin, destination *crush.Crushmap, opts Options) (*Result, error) {
	if opts.ReplicationCount < 1 {
		return nil, fmt.Errorf("crush/compare: replication_count must be >= 1")
	}
	values := opts.Values
	if values == nil {
		n := opts.ValuesCount
		if n == 0 {
			n = 100000
		}
		values = make([]int64, n)
		for i := range values {
			values[i] = int64(i)
		}
	}

	var originOpts, destOpts []crush.MapOption
	if opts.WeightsOrig != nil {
		originOpts = append(originOpts, crush.WithWeights(opts.WeightsOrig))
	}
	if opts.ChooseArgsOrig != "" {
		originOpts = append(originOpts, crush.WithChooseArgs(opts.ChooseArgsOrig))
	}
	if opts.WeightsDest != nil {
		destOpts = append(destOpts, crush.WithWeights(opts.WeightsDest))
	}
	if opts.ChooseArgsDest != "" {
		destOpts = append(destOpts, crush.WithChooseArgs(opts.ChooseArgsDest))
	}

	result := &Result{FromTo: map[string]map[string]int{}, InOut: map[string]map[string]int{}}
	for _, v := range values {
		if ctx.Err() != nil {
			break
		}
		am, err := origin.Map(opts.Rule, v, opts.ReplicationCount, originOpts...)
		if err != nil {
			return nil, err
		}
		bm, err := destination.Map(opts.Rule, v, opts.ReplicationCount, destOpts...)
		if err != nil {
			return nil, err
		}
		if len(am) < opts.ReplicationCount || len(bm) < opts.ReplicationCount {
			result.Skipped++
			continue
		}
		result.ObjectsCount++
		moved := compareOne(am, bm, opts.OrderMatters, opts.ScopeItems, result)
		if moved {
			result.ObjectsMoved++
		}
	}
	return result, nil
}

// compareOne records the moves between one pair of mapped lists and
// reports whether the object moved at all.
func compareOne(am, bm []string, orderMatters bool, scope map[string]bool, result *Result) bool {
	if orderMatters {
		moved := false
		n := len(am)
		if len(bm) < n {
			n = len(bm)
		}
		for i := 0; i < n; i++ {
			if am[i] == bm[i] {
				continue
			}
			moved = true
			addMove(result, am[i], bm[i], scope)
		}
		return moved
	}

	amSet := toSet(am)
	bmSet := toSet(bm)
	if setsEqual(amSet, bmSet) {
		return false
	}

	var ar, br []string
	for _, d := range am {
		if !bmSet[d] {
			ar = append(ar, d)
		}
	}
	for _, d := range bm {
		if !amSet[d] {
			br = append(br, d)
		}
	}
	n := len(ar)
	if len(br) < n {
		n = len(br)
	}
	for i := 0; i < n; i++ {
		addMove(result, ar[i], br[i], scope)
	}
	return true
}

// addMove classifies one device-to-device move and records it into
// result.FromTo or result.InOut: without a scope every move is
// intra-bucket by definition; with a scope, a move is intra-bucket
// (FromTo) only when both endpoints fall inside it, boundary-crossing
// (InOut) when exactly one does, and otherwise untouched by the scope
// entirely and dropped (§4.6).
func addMove(result *Result, from, to string, scope map[string]bool) {
	if scope == nil {
		addToMatrix(result.FromTo, from, to)
		return
	}
	switch {
	case scope[from] && scope[to]:
		addToMatrix(result.FromTo, from, to)
	case scope[from] || scope[to]:
		addToMatrix(result.InOut, from, to)
	}
}

func addToMatrix(m map[string]map[string]int, from, to string) {
	row, ok := m[from]
	if !ok {
		row = map[string]int{}
		m[from] = row
	}
	row[to]++
}

func toSet(s []string) map[string]bool {
	set := make(map[string]bool, len(s))
	for _, v := range s {
		set[v] = true
	}
	return set
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// BucketScope collects the names of every device reachable from the
// named bucket, for use as an Options.ScopeItems restriction.
func BucketScope(c *crush.Crushmap, bucketName string) (map[string]bool, error) {
	item := c.GetByName(bucketName)
	if item == nil {
		return nil, fmt.Errorf("crush/compare: bucket %q not found", bucketName)
	}
	scope := map[string]bool{}
	crush.Walk([]*crush.Item{item}, func(it *crush.Item) {
		if it.Kind == crush.KindDevice {
			scope[it.Name()] = true
		}
	})
	return scope, nil
}
