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

// ruleState is the per-Map-call interpreter state: the working set,
// step-scoped tries overrides, and the global replica-position counter
// used to seed hashes so that retries never collide with an adjacent
// replica's draw.
type ruleState struct {
	crushmap *Crushmap
	value    int64
	replicationCount int
	weights  WeightsOverlay
	overlay  ChooseArgsOverlay // nil if no choose_args name was given

	working []*Item // current working set, nil entries are holes

	chooseTriesOverride     int // 0 == not set
	chooseleafTriesOverride int // 0 == not set

	// replicaPos is a single counter shared across every parent and every
	// choose/chooseleaf step of one Map call, and is also the straw2
	// overlay "position" passed down through drawContext (bucket.go's
	// candidateIDWeight clamps it to the last weight_set row if it runs
	// past the row count). For the common case of a rule with exactly
	// one take and one choose[leaf] expanding a single parent, this
	// coincides with the replica index the choose_args weight_set rows
	// are indexed by. A rule whose failure-domain choose step expands
	// multiple parents advances replicaPos past a single parent's own
	// replica count, so the overlay position it reaches for later
	// parents no longer lines up with a weight_set row meant for that
	// replica; the clamp keeps this safe (no out-of-range read) rather
	// than correct.
	replicaPos int
	seen       map[int32]bool // every leaf device id chosen so far, this Map call
}

func (s *ruleState) overlayFor(bucketID int32) *WeightSetEntry {
	if s.overlay == nil {
		return nil
	}
	return s.overlay[bucketID]
}

// mapRule interprets rule against the interpreter's state machine
// (§4.3) and returns the concatenation of every emitted working set.
// Slots that could not be filled within the retry budget are dropped by
// firstn steps and left as "" by indep steps, never an error: mapping
// never fails hard (§4.3, §7).
func mapRule(crushmap *Crushmap, rule Rule, value int64, replicationCount int, weights WeightsOverlay, overlay ChooseArgsOverlay) ([]string, error) {
	s := &ruleState{
		crushmap:         crushmap,
		value:            value,
		replicationCount: replicationCount,
		weights:          weights,
		overlay:          overlay,
		seen:             map[int32]bool{},
	}

	var result []string
	for _, step := range rule {
		switch step.Op {
		case StepTake:
			item := crushmap.GetByName(step.BucketName)
			if item == nil {
				return nil, newError(ErrSchema, "map", "unknown take bucket %q", step.BucketName)
			}
			s.working = []*Item{item}

		case StepSetChooseTries:
			s.chooseTriesOverride = step.N
		case StepSetChooseleafTries:
			s.chooseleafTriesOverride = step.N

		case StepChooseFirstn, StepChooseIndep:
			indep := step.Op == StepChooseIndep
			s.working = s.choose(step, indep, false)

		case StepChooseleafFirstn, StepChooseleafIndep:
			indep := step.Op == StepChooseleafIndep
			s.working = s.choose(step, indep, true)

		case StepEmit:
			for _, item := range s.working {
				if item == nil {
					result = append(result, "")
				} else {
					result = append(result, item.Name())
				}
			}
			s.working = nil
			s.chooseTriesOverride = 0
			s.chooseleafTriesOverride = 0
		}
	}
	return result, nil
}

// choose implements one choose/chooseleaf step for every parent
// currently in the working set, per §4.3.
func (s *ruleState) choose(step Step, indep bool, leaf bool) []*Item {
	r := step.N
	if r == 0 {
		r = s.replicationCount
	}

	outerBudget := s.crushmap.Tunables.ChooseTotalTries + 1
	if s.chooseTriesOverride != 0 {
		outerBudget = s.chooseTriesOverride
	}

	innerBudget := s.crushmap.Tunables.ChooseTotalTries + 1
	if s.chooseleafTriesOverride != 0 {
		innerBudget = s.chooseleafTriesOverride
	} else if indep {
		innerBudget = 1
	}

	var out []*Item
	for _, parent := range s.working {
		if parent == nil {
			// a hole in the working set produces only holes downstream.
			for i := 0; i < r; i++ {
				out = append(out, nil)
				s.replicaPos++
			}
			continue
		}

		chosenThisParent := map[int32]bool{}
		var picked []*Item
		for pos := 0; pos < r; pos++ {
			replicaPos := s.replicaPos
			s.replicaPos++

			var final *Item
			for attempt := 0; attempt < outerBudget; attempt++ {
				candidate, ok := s.descend(parent, step.Type, replicaPos, attempt)
				if !ok {
					continue
				}
				if leaf {
					device, ok := s.descendLeaf(candidate, replicaPos, innerBudget, chosenThisParent)
					if !ok {
						continue
					}
					final = device
					break
				}
				if chosenThisParent[candidate.ID()] || candidate.Weight() == 0 {
					continue
				}
				final = candidate
				break
			}

			if final != nil {
				chosenThisParent[final.ID()] = true
				if leaf {
					s.seen[final.ID()] = true
				}
			}
			picked = append(picked, final) // nil allowed: a hole
		}

		if indep {
			out = append(out, picked...)
		} else {
			for _, item := range picked {
				if item != nil {
					out = append(out, item)
				}
			}
		}
	}
	return out
}

// descend walks down from parent, applying the bucket algorithm at each
// level with the same (value, replicaPos, attempt) triple, until an item
// of type T is reached or a dead end is hit.
func (s *ruleState) descend(parent *Item, t string, replicaPos int, attempt int) (*Item, bool) {
	cur := parent
	for cur.TypeName() != t {
		if cur.Kind != KindBucket {
			return nil, false
		}
		ctx := &drawContext{
			value:    s.value,
			replica:  replicaPos,
			attempt:  attempt,
			weights:  s.weights,
			overlay:  s.overlayFor(cur.ID()),
			position: replicaPos,
		}
		child, ok := selectChild(cur.Bucket, ctx)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// descendLeaf performs the inner recursive descent of a chooseleaf step:
// starting from a T-typed item, keep drawing down to a single device,
// retrying (with a fresh inner attempt) on a duplicate (possible because
// references make the tree a DAG) or a zero-weight device.
func (s *ruleState) descendLeaf(start *Item, replicaPos int, innerBudget int, chosenThisParent map[int32]bool) (*Item, bool) {
	for attempt := 0; attempt < innerBudget; attempt++ {
		cur := start
		ok := true
		for cur.Kind == KindBucket {
			ctx := &drawContext{
				value:    s.value,
				replica:  replicaPos,
				attempt:  attempt,
				weights:  s.weights,
				overlay:  s.overlayFor(cur.ID()),
				position: replicaPos,
			}
			child, found := selectChild(cur.Bucket, ctx)
			if !found {
				ok = false
				break
			}
			cur = child
		}
		if !ok {
			continue
		}
		if cur.Weight() == 0 {
			continue
		}
		if s.seen[cur.ID()] || chosenThisParent[cur.ID()] {
			continue
		}
		return cur, true
	}
	return nil, false
}
