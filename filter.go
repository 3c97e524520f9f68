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

// Filter returns a new Crushmap with every item matching predicate
// removed from the tree (§4.9). Overlays are merged before the
// traversal and split again afterwards; when a child at position i is
// removed from a bucket, that bucket's own choose_args entries have
// ids[i] and weight_set[*][i] removed so array lengths keep matching
// invariant 6. The input crushmap is never mutated.
func Filter(c *Crushmap, match func(*Item) bool) *Crushmap {
	clone := Clone(c)
	priorNames := make([]string, 0, len(clone.ChooseArgs))
	for name := range clone.ChooseArgs {
		priorNames = append(priorNames, name)
	}
	MergeChooseArgs(clone)

	var newTrees []*Item
	for _, root := range clone.Trees {
		if match(root) {
			continue
		}
		filterChildren(root, match)
		newTrees = append(newTrees, root)
	}
	clone.Trees = newTrees

	SplitChooseArgs(clone)
	// A name that existed before filtering but whose every entry lived on
	// a removed item ends up with no bucket left to collect it from;
	// preserve it as an empty list so callers holding the name don't see
	// it vanish (§4.9).
	for _, name := range priorNames {
		if _, ok := clone.ChooseArgs[name]; !ok {
			clone.ChooseArgs[name] = ChooseArgsOverlay{}
		}
	}
	reindex(clone)
	return clone
}

// filterChildren removes matching descendants from item (a bucket),
// recursively, and shrinks its overlay entries' id/weight_set columns to
// match. item itself is assumed to have already survived the predicate.
func filterChildren(item *Item, match func(*Item) bool) {
	if item.Kind != KindBucket {
		return
	}

	var kept []*Item
	var removedPositions []int
	var newWeight Weight
	for i, child := range item.Bucket.Children {
		if match(child) {
			removedPositions = append(removedPositions, i)
			continue
		}
		filterChildren(child, match)
		kept = append(kept, child)
		newWeight += child.Weight()
	}
	item.Bucket.Children = kept
	item.Bucket.Weight = newWeight

	if len(removedPositions) > 0 {
		for _, entry := range item.Bucket.InlineChooseArgs {
			removeColumns(entry, removedPositions)
		}
	}
}

// removeColumns drops the given (ascending, 0-based) column positions
// from an overlay entry's ids slice and every weight_set row.
func removeColumns(entry *WeightSetEntry, positions []int) {
	if entry.IDs != nil {
		entry.IDs = dropIndices(entry.IDs, positions)
	}
	for i, row := range entry.WeightSet {
		entry.WeightSet[i] = dropIndices(row, positions)
	}
}

func dropIndices[T any](s []T, positions []int) []T {
	drop := make(map[int]bool, len(positions))
	for _, p := range positions {
		drop[p] = true
	}
	out := make([]T, 0, len(s)-len(positions))
	for i, v := range s {
		if !drop[i] {
			out = append(out, v)
		}
	}
	return out
}
