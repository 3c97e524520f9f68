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

import "fmt"

// maxTreeDepth bounds reference-expansion recursion. Go goroutine stacks
// grow dynamically, so unlike a systems language this exists only to
// turn a mistaken cyclic-looking map into a bounded error instead of an
// unbounded one; real crushmaps never come close to it.
const maxTreeDepth = 1000

// Parse validates a RawCrushmap against the invariants of §3 and
// produces an immutable Crushmap ready for Map. An *Error is returned on
// the first problem found; parse-time errors always abort (§7).
func Parse(raw *RawCrushmap, backwardCompatibility bool) (*Crushmap, error) {
	p := &parser{
		raw:          raw,
		backwardCompat: backwardCompatibility,
		defs:         map[int32]*RawItem{},
		names:        map[string]int32{},
		usedIDs:      map[int32]bool{},
		nextBucketID: -1,
	}

	for i, root := range raw.Trees {
		if err := p.registerDefs(&root, fmt.Sprintf("trees[%d]", i)); err != nil {
			return nil, err
		}
	}

	c := &Crushmap{
		Rules:      map[string]Rule{},
		ChooseArgs: map[string]ChooseArgsOverlay{},
		byID:       map[int32]*Item{},
		byName:     map[string]*Item{},
	}

	for i, root := range raw.Trees {
		item, err := p.build(&root, nil, fmt.Sprintf("trees[%d]", i))
		if err != nil {
			return nil, err
		}
		c.Trees = append(c.Trees, item)
	}
	reindex(c)

	tunables, err := p.parseTunables()
	if err != nil {
		return nil, err
	}
	c.Tunables = tunables

	for name, steps := range raw.Rules {
		rule, err := p.parseRule(name, steps)
		if err != nil {
			return nil, err
		}
		c.Rules[name] = rule
	}

	for name, entries := range raw.ChooseArgs {
		overlay, err := p.parseChooseArgs(c, name, entries)
		if err != nil {
			return nil, err
		}
		c.ChooseArgs[name] = overlay
	}

	return c, nil
}

type parser struct {
	raw            *RawCrushmap
	backwardCompat bool

	defs         map[int32]*RawItem // literal (non-reference) definitions, by id
	names        map[string]int32
	usedIDs      map[int32]bool
	nextBucketID int32
}

// registerDefs walks the raw tree (ignoring references, which are
// resolved in the second pass) assigning ids and checking uniqueness.
func (p *parser) registerDefs(raw *RawItem, loc string) error {
	if raw.IsReference {
		return nil // resolved, and validated to exist, during build
	}

	var id int32
	if raw.IsBucket {
		if raw.ID != nil {
			id = *raw.ID
			if id >= 0 {
				return newError(ErrSchema, loc, "bucket id must be negative, got %d", id)
			}
		} else {
			id = p.allocateBucketID()
		}
	} else {
		if raw.ID == nil {
			return newError(ErrSchema, loc, "device missing required id")
		}
		id = *raw.ID
		if id < 0 {
			return newError(ErrSchema, loc, "device id must be non-negative, got %d", id)
		}
	}

	if p.usedIDs[id] {
		return newError(ErrSchema, loc, "duplicate id %d", id)
	}
	p.usedIDs[id] = true

	name := raw.Name
	if name == "" {
		return newError(ErrSchema, loc, "item missing required name")
	}
	if _, dup := p.names[name]; dup {
		return newError(ErrSchema, loc, "duplicate name %q", name)
	}
	p.names[name] = id
	p.defs[id] = raw

	for i, child := range raw.Children {
		if err := p.registerDefs(&child, fmt.Sprintf("%s.children[%d]", loc, i)); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) allocateBucketID() int32 {
	for p.usedIDs[p.nextBucketID] {
		p.nextBucketID--
	}
	id := p.nextBucketID
	p.nextBucketID--
	return id
}

// build materializes one raw item (resolving references by deep copy)
// into the tagged Item variant, detecting reference cycles via the
// ancestors list (the ids currently being expanded on this path).
func (p *parser) build(raw *RawItem, ancestors []int32, loc string) (*Item, error) {
	if len(ancestors) > maxTreeDepth {
		return nil, newError(ErrSemanticReference, loc, "tree depth exceeds %d, likely cyclic", maxTreeDepth)
	}

	if raw.IsReference {
		target, ok := p.defs[raw.ReferenceID]
		if !ok {
			return nil, newError(ErrSemanticReference, loc, "reference_id %d has no target", raw.ReferenceID)
		}
		for _, a := range ancestors {
			if a == raw.ReferenceID {
				return nil, newError(ErrSemanticReference, loc, "cyclic reference to id %d", raw.ReferenceID)
			}
		}
		item, err := p.build(target, append(append([]int32{}, ancestors...), raw.ReferenceID), loc+" (via reference)")
		if err != nil {
			return nil, err
		}
		if raw.Weight != nil {
			overrideWeight(item, WeightFromFloat(*raw.Weight))
		}
		return item, nil
	}

	if raw.IsBucket {
		id := p.names[raw.Name]
		alg, err := p.parseAlgorithm(raw.Algorithm, loc)
		if err != nil {
			return nil, err
		}
		b := &Bucket{
			ID:        id,
			Name:      raw.Name,
			Type:      raw.Type,
			Algorithm: alg,
		}
		nextAncestors := append(append([]int32{}, ancestors...), id)
		var childWeightSum Weight
		for i, child := range raw.Children {
			childItem, err := p.build(&child, nextAncestors, fmt.Sprintf("%s.children[%d]", loc, i))
			if err != nil {
				return nil, err
			}
			b.Children = append(b.Children, childItem)
			childWeightSum += childItem.Weight()
		}
		if raw.Weight != nil {
			b.Weight = WeightFromFloat(*raw.Weight)
		} else {
			b.Weight = childWeightSum
		}
		return &Item{Kind: KindBucket, Bucket: b}, nil
	}

	// device
	id := p.names[raw.Name]
	d := &Device{
		ID:   id,
		Name: raw.Name,
	}
	if raw.Weight != nil {
		d.Weight = WeightFromFloat(*raw.Weight)
	} else {
		d.Weight = OneWeight
	}
	return &Item{Kind: KindDevice, Device: d}, nil
}

func overrideWeight(item *Item, w Weight) {
	if item.Kind == KindDevice {
		item.Device.Weight = w
	} else {
		item.Bucket.Weight = w
	}
}

func (p *parser) parseAlgorithm(s string, loc string) (Algorithm, error) {
	switch s {
	case "", "straw2":
		return AlgStraw2, nil
	case "uniform":
		return AlgUniform, nil
	case "list":
		return AlgList, nil
	case "straw":
		if !p.backwardCompat {
			return 0, newError(ErrBackwardCompat, loc, "algorithm straw requires backward compatibility")
		}
		return AlgStraw, nil
	default:
		return 0, newError(ErrSchema, loc, "unknown algorithm %q", s)
	}
}

func (p *parser) parseTunables() (Tunables, error) {
	t := DefaultTunables()
	rt := p.raw.Tunables
	if rt.ChooseTotalTries != nil {
		t.ChooseTotalTries = *rt.ChooseTotalTries
	}
	t.BackwardCompat = p.backwardCompat
	if rt.ChooseLocalTries != 0 || rt.ChooseLocalFallbackTries != 0 || rt.ChooseleafVaryR ||
		rt.ChooseleafStable || rt.ChooseleafDescendOnce || rt.StrawCalcVersion != 0 {
		if !p.backwardCompat {
			return t, newError(ErrBackwardCompat, "tunables", "legacy tunables require backward compatibility")
		}
	}
	t.ChooseLocalTries = rt.ChooseLocalTries
	t.ChooseLocalFallbackTries = rt.ChooseLocalFallbackTries
	t.ChooseleafVaryR = rt.ChooseleafVaryR
	t.ChooseleafStable = rt.ChooseleafStable
	t.ChooseleafDescendOnce = rt.ChooseleafDescendOnce
	t.StrawCalcVersion = rt.StrawCalcVersion
	return t, nil
}

func (p *parser) parseRule(name string, steps []RawStep) (Rule, error) {
	var rule Rule
	sawEmit := false
	for i, raw := range steps {
		loc := fmt.Sprintf("rules.%s[%d]", name, i)
		if sawEmit {
			return nil, newError(ErrRuleShape, loc, "steps found after emit")
		}
		op, err := raw.op(loc)
		if err != nil {
			return nil, err
		}
		switch op {
		case "take":
			b, err := raw.str(1, loc)
			if err != nil {
				return nil, err
			}
			rule = append(rule, Step{Op: StepTake, BucketName: b})
		case "emit":
			rule = append(rule, Step{Op: StepEmit})
			sawEmit = true
		case "set_choose_tries", "set_chooseleaf_tries":
			if !p.backwardCompat {
				return nil, newError(ErrBackwardCompat, loc, "%s requires backward compatibility", op)
			}
			n, err := raw.num(1, loc)
			if err != nil {
				return nil, err
			}
			sop := StepSetChooseTries
			if op == "set_chooseleaf_tries" {
				sop = StepSetChooseleafTries
			}
			rule = append(rule, Step{Op: sop, N: n})
		case "choose", "chooseleaf":
			mode, err := raw.str(1, loc)
			if err != nil {
				return nil, err
			}
			kind, ok := stepOpKind(op, mode)
			if !ok {
				return nil, newError(ErrRuleShape, loc, "unknown firstn/indep mode %q", mode)
			}
			num, err := raw.num(2, loc)
			if err != nil {
				return nil, err
			}
			lit, err := raw.str(3, loc)
			if err != nil {
				return nil, err
			}
			if lit != "type" {
				return nil, newError(ErrRuleShape, loc, "expected literal \"type\", got %q", lit)
			}
			typ, err := raw.str(4, loc)
			if err != nil {
				return nil, err
			}
			rule = append(rule, Step{Op: kind, N: num, Type: typ})
		default:
			return nil, newError(ErrRuleShape, loc, "unknown step operator %q", op)
		}
	}
	if !sawEmit {
		return nil, newError(ErrRuleShape, fmt.Sprintf("rules.%s", name), "rule does not end with emit")
	}
	return rule, nil
}

func (p *parser) parseChooseArgs(c *Crushmap, name string, entries []RawChooseArg) (ChooseArgsOverlay, error) {
	overlay := ChooseArgsOverlay{}
	for i, e := range entries {
		loc := fmt.Sprintf("choose_args.%s[%d]", name, i)
		var bucketID int32
		switch {
		case e.BucketID != nil && e.BucketName != nil:
			return nil, newError(ErrOverlayShape, loc, "both bucket_id and bucket_name given")
		case e.BucketID != nil:
			bucketID = *e.BucketID
		case e.BucketName != nil:
			item := c.GetByName(*e.BucketName)
			if item == nil || item.Kind != KindBucket {
				return nil, newError(ErrOverlayShape, loc, "bucket_name %q not found", *e.BucketName)
			}
			bucketID = item.ID()
		default:
			return nil, newError(ErrOverlayShape, loc, "neither bucket_id nor bucket_name given")
		}

		item := c.GetByID(bucketID)
		if item == nil || item.Kind != KindBucket {
			return nil, newError(ErrOverlayShape, loc, "bucket_id %d not found", bucketID)
		}
		n := len(item.Bucket.Children)

		entry := &WeightSetEntry{BucketID: bucketID}
		if e.IDs != nil {
			if len(e.IDs) != n {
				return nil, newError(ErrOverlayShape, loc, "ids has length %d, want %d", len(e.IDs), n)
			}
			entry.IDs = append([]int32{}, e.IDs...)
		}
		for r, row := range e.WeightSet {
			if len(row) != n {
				return nil, newError(ErrOverlayShape, loc, "weight_set[%d] has length %d, want %d", r, len(row), n)
			}
			wrow := make([]Weight, n)
			for i, f := range row {
				wrow[i] = WeightFromFloat(f)
			}
			entry.WeightSet = append(entry.WeightSet, wrow)
		}
		overlay[bucketID] = entry
	}
	return overlay, nil
}
