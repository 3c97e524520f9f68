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

// Package cephfmt decodes the two real on-disk Ceph JSON dialects
// (`ceph osd tree -f json` and `ceph osd crush dump`) into a
// crush.Crushmap, and parses the ephemeral weights-dictionary boundary
// (§3, §6).
package cephfmt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/digitalocean/crush"
)

// OSDTreeOut is the output of `ceph osd tree -f json`.
type OSDTreeOut struct {
	Nodes []OSDTreeNode `json:"nodes"`
	Stray []OSDTreeNode `json:"stray"`
}

// OSDTreeNode is one node of an OSDTreeOut, identical to the teacher's
// unexported nodeType made exported for reuse outside this package.
type OSDTreeNode struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Reweight    float64 `json:"reweight"`
	CrushWeight float64 `json:"crush_weight"`
	Children    []int   `json:"children"`
}

// crushDump mirrors the real `ceph osd crush dump` JSON shape: a flat
// list of typed buckets (negative ids) plus a devices array, rules as
// op-code steps, and the tunables block. It intentionally only models
// the fields this package needs.
type crushDump struct {
	Devices []struct {
		ID   int32  `json:"id"`
		Name string `json:"name"`
	} `json:"devices"`
	Buckets []struct {
		ID       int32  `json:"id"`
		Name     string `json:"name"`
		TypeName string `json:"type_name"`
		Alg      string `json:"alg"`
		Items    []struct {
			ID     int32 `json:"id"`
			Weight int64 `json:"weight"` // Q16.16, same encoding ceph uses on the wire
		} `json:"items"`
	} `json:"buckets"`
	Rules []struct {
		RuleName string `json:"rule_name"`
		Steps    []struct {
			Op       string `json:"op"`
			Item     int32  `json:"item"`
			ItemName string `json:"item_name"`
			Num      int    `json:"num"`
			Type     string `json:"type"`
		} `json:"steps"`
	} `json:"rules"`
	Tunables struct {
		ChooseTotalTries int `json:"choose_total_tries"`
		StrawCalcVersion int `json:"straw_calc_version"`
	} `json:"tunables"`
}

// DecodeOSDTree parses `ceph osd tree -f json` output. It is a thin
// unmarshal, identical in shape to the teacher's OSDTree() decode step;
// unlike DecodeCrushmapDump it cannot produce a crush.Crushmap on its
// own since the tree view omits rules, so callers combine it with
// DecodeCrushmapDump (tree gives live status/reweight, dump gives
// structure and rules).
func DecodeOSDTree(data []byte) (*OSDTreeOut, error) {
	out := &OSDTreeOut{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("cephfmt: decode osd tree: %s", err)
	}
	return out, nil
}

// DecodeCrushmapDump parses `ceph osd crush dump` JSON into a
// crush.Crushmap: buckets (negative ids, Q16.16 item weights already on
// the wire) become crush.RawItem bucket nodes, devices become leaves
// carrying the weight given to them by the bucket whose items array
// names them, and
// rule steps are reassembled from ceph's single-token opcodes
// (`choose_firstn`, `chooseleaf_indep`, ...) back into the two-token
// verb/mode form crush.Parse expects.
func DecodeCrushmapDump(data []byte) (*crush.Crushmap, error) {
	var dump crushDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("cephfmt: decode crush dump: %s", err)
	}

	deviceName := make(map[int32]string, len(dump.Devices))
	for _, d := range dump.Devices {
		deviceName[d.ID] = d.Name
	}

	type bucketBuild struct {
		id       int32
		name     string
		typeName string
		alg      string
		itemIDs  []int32
		weights  map[int32]int64
	}
	bucketsByID := make(map[int32]*bucketBuild, len(dump.Buckets))
	var order []int32
	for _, b := range dump.Buckets {
		bb := &bucketBuild{id: b.ID, name: b.Name, typeName: b.TypeName, alg: algFromString(b.Alg), weights: map[int32]int64{}}
		for _, it := range b.Items {
			bb.itemIDs = append(bb.itemIDs, it.ID)
			bb.weights[it.ID] = it.Weight
		}
		bucketsByID[b.ID] = bb
		order = append(order, b.ID)
	}

	childOf := map[int32]bool{}
	for _, bb := range bucketsByID {
		for _, id := range bb.itemIDs {
			childOf[id] = true
		}
	}

	var buildItem func(id int32, weight int64) crush.RawItem
	buildItem = func(id int32, weight int64) crush.RawItem {
		w := float64(weight) / float64(crush.OneWeight)
		if bb, ok := bucketsByID[id]; ok {
			item := crush.RawItem{IsBucket: true, Type: bb.typeName, Name: bb.name, ID: idPtr(bb.id), Algorithm: bb.alg, Weight: &w}
			for _, childID := range bb.itemIDs {
				item.Children = append(item.Children, buildItem(childID, bb.weights[childID]))
			}
			return item
		}
		name := deviceName[id]
		return crush.RawItem{Name: name, ID: idPtr(id), Weight: &w}
	}

	var raw crush.RawCrushmap
	raw.Rules = map[string][]crush.RawStep{}
	for _, id := range order {
		if childOf[id] {
			continue // only roots become top-level trees
		}
		bb := bucketsByID[id]
		var total int64
		for _, w := range bb.weights {
			total += w
		}
		raw.Trees = append(raw.Trees, buildItem(id, total))
	}

	for _, r := range dump.Rules {
		var steps []crush.RawStep
		for _, s := range r.Steps {
			switch {
			case s.Op == "take":
				steps = append(steps, crush.RawStep{"take", s.ItemName})
			case s.Op == "emit":
				steps = append(steps, crush.RawStep{"emit"})
			case s.Op == "set_choose_tries" || s.Op == "set_chooseleaf_tries":
				steps = append(steps, crush.RawStep{s.Op, s.Num})
			case strings.HasPrefix(s.Op, "choose_") || strings.HasPrefix(s.Op, "chooseleaf_"):
				verb := "choose"
				mode := strings.TrimPrefix(s.Op, "choose_")
				if strings.HasPrefix(s.Op, "chooseleaf_") {
					verb = "chooseleaf"
					mode = strings.TrimPrefix(s.Op, "chooseleaf_")
				}
				steps = append(steps, crush.RawStep{verb, mode, s.Num, "type", s.Type})
			default:
				return nil, fmt.Errorf("cephfmt: unknown rule step op %q", s.Op)
			}
		}
		raw.Rules[r.RuleName] = steps
	}

	raw.Tunables.ChooseTotalTries = &dump.Tunables.ChooseTotalTries
	raw.Tunables.StrawCalcVersion = dump.Tunables.StrawCalcVersion

	return crush.Parse(&raw, dump.Tunables.StrawCalcVersion > 0)
}

func idPtr(id int32) *int32 { return &id }

func algFromString(alg string) string {
	switch alg {
	case "uniform":
		return "uniform"
	case "list":
		return "list"
	case "straw":
		return "straw"
	default:
		return "straw2"
	}
}

// ClusterStatus is the subset of `ceph -s -f json` (the "status" mon
// command) this package cares about: PG counts broken down by state,
// kept under the teacher's own field names (healthStats) so a caller
// already familiar with that shape recognizes this one.
type ClusterStatus struct {
	PGMap struct {
		NumPGs     float64 `json:"num_pgs"`
		PGsByState []struct {
			Count  float64 `json:"count"`
			States string `json:"state_name"`
		} `json:"pgs_by_state"`
	} `json:"pgmap"`
}

// CountPGsInStates sums the PG counts whose state_name contains any of
// states, the same substring match the teacher's getPGsByState uses
// (Ceph's state_name is a space-joined list like "active+backfilling").
func (s *ClusterStatus) CountPGsInStates(states ...string) int {
	var count int
	for _, p := range s.PGMap.PGsByState {
		for _, state := range states {
			if strings.Contains(p.States, state) {
				count += int(p.Count)
			}
		}
	}
	return count
}

// ParseClusterStatus decodes `ceph -s -f json` / the "status" mon
// command's response.
func ParseClusterStatus(data []byte) (*ClusterStatus, error) {
	status := &ClusterStatus{}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("cephfmt: decode cluster status: %s", err)
	}
	return status, nil
}

// ParseWeightsDump implements the ephemeral weights-dictionary boundary
// of §3/§6: either a flat {name: weight} JSON object, or a
// `ceph osd df -f json`-style dump, from which every node whose
// reweight is below 1.0 becomes an override (a ceph "out" or partially
// reweighted OSD).
func ParseWeightsDump(data []byte) (crush.WeightsOverlay, error) {
	var flat map[string]float64
	if err := json.Unmarshal(data, &flat); err == nil {
		return crush.WeightsOverlay(flat), nil
	}

	var df struct {
		Nodes []struct {
			Name     string  `json:"name"`
			ID       int     `json:"id"`
			Reweight float64 `json:"reweight"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("cephfmt: weights dump is neither a flat name:weight map nor an osd df dump: %s", err)
	}

	overlay := crush.WeightsOverlay{}
	for _, n := range df.Nodes {
		if n.Reweight < 1 {
			name := n.Name
			if name == "" {
				name = "osd." + strconv.Itoa(n.ID)
			}
			overlay[name] = n.Reweight
		}
	}
	return overlay, nil
}
