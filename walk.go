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

// Walk visits every item reachable from roots, pre-order, using an
// explicit stack rather than recursion (§9 design note: tree walks
// should not rely on native call-stack depth).
func Walk(roots []*Item, visit func(*Item)) {
	stack := append([]*Item{}, roots...)
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(item)
		children := item.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}

// CloneItem deep-copies an item and everything reachable from it. After
// Parse the tree holds no shared subtrees (references were materialized
// into independent copies), so a plain recursive copy is safe and does
// not risk exploding into a DAG traversal.
func CloneItem(item *Item) *Item {
	if item.Kind == KindDevice {
		d := *item.Device
		return &Item{Kind: KindDevice, Device: &d}
	}
	b := &Bucket{
		ID:        item.Bucket.ID,
		Name:      item.Bucket.Name,
		Type:      item.Bucket.Type,
		Algorithm: item.Bucket.Algorithm,
		Weight:    item.Bucket.Weight,
	}
	for k, v := range item.Bucket.InlineChooseArgs {
		if b.InlineChooseArgs == nil {
			b.InlineChooseArgs = map[string]*WeightSetEntry{}
		}
		b.InlineChooseArgs[k] = cloneWeightSetEntry(v)
	}
	for _, c := range item.Bucket.Children {
		b.Children = append(b.Children, CloneItem(c))
	}
	return &Item{Kind: KindBucket, Bucket: b}
}

func cloneWeightSetEntry(e *WeightSetEntry) *WeightSetEntry {
	n := &WeightSetEntry{BucketID: e.BucketID}
	if e.IDs != nil {
		n.IDs = append([]int32{}, e.IDs...)
	}
	for _, row := range e.WeightSet {
		n.WeightSet = append(n.WeightSet, append([]Weight{}, row...))
	}
	return n
}

// Clone deep-copies a whole Crushmap: trees, rules, tunables and
// choose_args overlays. The clone shares no mutable state with the
// original, which is what lets Filter (§4.9) edit a map in place
// without disturbing the caller's.
func Clone(c *Crushmap) *Crushmap {
	clone := &Crushmap{
		Rules:      c.Rules, // rule programs are immutable, safe to share
		Tunables:   c.Tunables,
		ChooseArgs: map[string]ChooseArgsOverlay{},
		byID:       map[int32]*Item{},
		byName:     map[string]*Item{},
	}
	for _, root := range c.Trees {
		clone.Trees = append(clone.Trees, CloneItem(root))
	}
	for name, overlay := range c.ChooseArgs {
		newOverlay := ChooseArgsOverlay{}
		for id, entry := range overlay {
			newOverlay[id] = cloneWeightSetEntry(entry)
		}
		clone.ChooseArgs[name] = newOverlay
	}
	reindex(clone)
	return clone
}

// reindex rebuilds the byID/byName lookup tables after structural edits
// (Filter, Clone). Where references have materialized several copies of
// one item, the first copy in pre-order is the one indexed.
func reindex(c *Crushmap) {
	c.byID = map[int32]*Item{}
	c.byName = map[string]*Item{}
	Walk(c.Trees, func(it *Item) {
		if _, ok := c.byID[it.ID()]; !ok {
			c.byID[it.ID()] = it
		}
		if _, ok := c.byName[it.Name()]; !ok {
			c.byName[it.Name()] = it
		}
	})
}
