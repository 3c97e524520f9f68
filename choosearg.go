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

import "golang.org/x/exp/slices"

// MergeChooseArgs converts every named choose_args overlay from its
// canonical split storage form into the merged, per-bucket form (§4.8):
// each entry moves onto the bucket it names, keyed by overlay name. It
// mutates c in place and clears c.ChooseArgs.
func MergeChooseArgs(c *Crushmap) {
	for name, overlay := range c.ChooseArgs {
		for bucketID, entry := range overlay {
			item := c.GetByID(bucketID)
			if item == nil || item.Kind != KindBucket {
				continue
			}
			if item.Bucket.InlineChooseArgs == nil {
				item.Bucket.InlineChooseArgs = map[string]*WeightSetEntry{}
			}
			item.Bucket.InlineChooseArgs[name] = entry
		}
	}
	c.ChooseArgs = map[string]ChooseArgsOverlay{}
}

// SplitChooseArgs is the inverse of MergeChooseArgs: it walks the tree,
// collects every bucket-carried entry back into per-name overlays keyed
// by bucket_id (§4.8; SortedBucketIDs gives their canonical order), and
// removes them from the buckets. Names that
// existed before the traversal but ended up with no entries are
// preserved as an empty list so external references to the name remain
// valid.
func SplitChooseArgs(c *Crushmap) {
	existingNames := map[string]bool{}
	for name := range c.ChooseArgs {
		existingNames[name] = true
	}

	collected := map[string]ChooseArgsOverlay{}
	Walk(c.Trees, func(it *Item) {
		if it.Kind != KindBucket || it.Bucket.InlineChooseArgs == nil {
			return
		}
		for name, entry := range it.Bucket.InlineChooseArgs {
			existingNames[name] = true
			if collected[name] == nil {
				collected[name] = ChooseArgsOverlay{}
			}
			collected[name][it.ID()] = entry
		}
		it.Bucket.InlineChooseArgs = nil
	})

	c.ChooseArgs = map[string]ChooseArgsOverlay{}
	for name := range existingNames {
		if collected[name] != nil {
			c.ChooseArgs[name] = collected[name]
		} else {
			c.ChooseArgs[name] = ChooseArgsOverlay{}
		}
	}
}

// SortedBucketIDs returns an overlay's bucket ids in ascending order,
// the canonical ordering used when serializing the split form (§4.8).
func SortedBucketIDs(overlay ChooseArgsOverlay) []int32 {
	ids := make([]int32, 0, len(overlay))
	for id := range overlay {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
