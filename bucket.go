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

package crush

import "math"

// WeightsOverlay is the ephemeral per-call dictionary of device name to
// a [0,1] multiplier on that device's effective weight (§3, §4.4). A
// factor of 0 forbids selection of the device entirely.
type WeightsOverlay map[string]float64

// drawContext carries everything a bucket's child-selection needs beyond
// the bucket itself: the value being mapped, the replica position, the
// retry attempt, the ephemeral weights dictionary, and the choose_args
// overlay entry bound to this particular bucket (nil if none).
type drawContext struct {
	value    int64
	replica  int
	attempt  int
	weights  WeightsOverlay
	overlay  *WeightSetEntry
	position int
}

// candidateIDWeight returns the (id, weight) pair straw2 and the hash
// should use for the i'th child of a bucket, applying the choose_args
// overlay (id remapping and per-position weight substitution, §3) and
// then the ephemeral weights dictionary (device-name keyed multiplier).
func candidateIDWeight(child *Item, i int, ctx *drawContext) (int32, Weight) {
	id := child.ID()
	w := child.Weight()

	if ctx.overlay != nil {
		if ctx.overlay.IDs != nil && i < len(ctx.overlay.IDs) {
			id = ctx.overlay.IDs[i]
		}
		if len(ctx.overlay.WeightSet) > 0 {
			pos := ctx.position
			if pos >= len(ctx.overlay.WeightSet) {
				pos = len(ctx.overlay.WeightSet) - 1
			}
			row := ctx.overlay.WeightSet[pos]
			if i < len(row) {
				w = row[i]
			}
		}
	}

	if child.Kind == KindDevice && ctx.weights != nil {
		if factor, ok := ctx.weights[child.Device.Name]; ok {
			w = w.Scale(factor)
		}
	}

	return id, w
}

// selectChild picks one child of bucket according to its algorithm. It
// never filters on duplicate-in-result-so-far or on an "out" mark — that
// is the rule interpreter's job (§4.3); selectChild only ever expresses
// the pure weighted-selection math of §4.2, and returns ok=false only
// when the bucket has no children to offer at all.
func selectChild(bucket *Bucket, ctx *drawContext) (*Item, bool) {
	n := len(bucket.Children)
	if n == 0 {
		return nil, false
	}

	switch bucket.Algorithm {
	case AlgUniform:
		idx := int(Hash(ctx.value, bucket.ID, ctx.replica, ctx.attempt) % uint32(n))
		return bucket.Children[idx], true

	case AlgList:
		// Children are ordered most-recently-inserted first (§4.2):
		// testing from the head down means a newly prepended child only
		// ever steals draws from the shared remaining pool, leaving every
		// older child's own test (and the modulus it sees once its turn
		// comes) unchanged — the optimal-on-addition property.
		var remaining Weight
		for i := 0; i < n; i++ {
			_, w := candidateIDWeight(bucket.Children[i], i, ctx)
			remaining += w
		}
		for i := 0; i < n; i++ {
			_, w := candidateIDWeight(bucket.Children[i], i, ctx)
			if remaining == 0 {
				continue
			}
			draw := Hash(ctx.value, bucket.ID, ctx.replica, ctx.attempt) % uint32(remaining)
			if draw < uint32(w) {
				return bucket.Children[i], true
			}
			remaining -= w
		}
		return nil, false

	case AlgStraw2, AlgStraw:
		var best *Item
		bestDraw := math.Inf(1)
		for i, child := range bucket.Children {
			id, w := candidateIDWeight(child, i, ctx)
			if w == 0 {
				continue
			}
			draw := strawDraw(ctx.value, id, ctx.attempt, w)
			if draw < bestDraw {
				bestDraw = draw
				best = child
			}
		}
		return best, best != nil

	default:
		return nil, false
	}
}

// strawDraw computes the straw2 "straw length" statistic for one child:
// an exponential-race draw scaled by weight. Smaller is better: the
// child with the smallest draw wins, which makes a child with weight w
// win with probability proportional to w (the standard exponential-clock
// / Gumbel-max construction for weighted sampling) while remaining
// strictly monotonic in weight and uniform across equal weights, per the
// requirements of §4.2. A zero or unmeasurable weight returns +Inf so it
// can never win.
func strawDraw(value int64, id int32, attempt int, weight Weight) float64 {
	if weight == 0 {
		return math.Inf(1)
	}
	u := HashDraw(value, id, attempt)
	// keep u in (0, 2^32) so log never sees exactly zero.
	p := (float64(u) + 1) / (float64(1) + math.Exp2(32))
	return -math.Log(p) / weight.Float64()
}
