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

import (
	"encoding/json"
)

// RawCrushmap is the external, JSON-friendly shape of a crushmap (§6):
// weights are plain floats, steps are heterogeneous arrays, and each
// child in the tree is one of three duck-typed cases distinguished by
// field presence. Parse converts it to a validated, normalized Crushmap.
type RawCrushmap struct {
	Trees      []RawItem                  `json:"trees"`
	Rules      map[string][]RawStep       `json:"rules"`
	Tunables   RawTunables                `json:"tunables"`
	ChooseArgs map[string][]RawChooseArg  `json:"choose_args"`
}

// RawTunables mirrors the external tunables block.
type RawTunables struct {
	ChooseTotalTries         *int `json:"choose_total_tries"`
	BackwardCompatibility    bool `json:"backward_compatibility"`
	ChooseLocalTries         int  `json:"choose_local_tries"`
	ChooseLocalFallbackTries int  `json:"choose_local_fallback_tries"`
	ChooseleafVaryR          bool `json:"chooseleaf_vary_r"`
	ChooseleafStable         bool `json:"chooseleaf_stable"`
	ChooseleafDescendOnce    bool `json:"chooseleaf_descend_once"`
	StrawCalcVersion         int  `json:"straw_calc_version"`
}

// RawChooseArg is one bucket's overlay entry as it appears in the
// crushmap's choose_args list. Exactly one of BucketID/BucketName must
// be set; Parse resolves BucketName to an id.
type RawChooseArg struct {
	BucketID   *int32      `json:"bucket_id"`
	BucketName *string     `json:"bucket_name"`
	IDs        []int32     `json:"ids"`
	WeightSet  [][]float64 `json:"weight_set"`
}

// RawItem is the duck-typed tagged variant read straight off JSON: a
// reference (has reference_id), a bucket (has type), or a device
// (neither). UnmarshalJSON re-expresses the duck typing as an explicit
// three-case switch instead of leaving callers to re-derive it.
type RawItem struct {
	// populated for all three cases
	Weight *float64 `json:"weight"`

	// reference case
	IsReference bool
	ReferenceID int32

	// bucket case
	IsBucket  bool
	Type      string
	Name      string
	ID        *int32
	Algorithm string
	Children  []RawItem

	// device case: Name and ID both required; IsBucket/IsReference false
}

type rawItemFields struct {
	ReferenceID *int32     `json:"reference_id"`
	Type        *string    `json:"type"`
	Name        string     `json:"name"`
	ID          *int32     `json:"id"`
	Algorithm   string     `json:"algorithm"`
	Weight      *float64   `json:"weight"`
	Children    []RawItem  `json:"children"`
}

// UnmarshalJSON decides which of the three duck-typed cases a JSON
// object represents by field presence, per design note §9: reference_id
// present means reference; otherwise type present means bucket;
// otherwise device.
func (it *RawItem) UnmarshalJSON(data []byte) error {
	var f rawItemFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	it.Weight = f.Weight
	switch {
	case f.ReferenceID != nil:
		it.IsReference = true
		it.ReferenceID = *f.ReferenceID
	case f.Type != nil:
		it.IsBucket = true
		it.Type = *f.Type
		it.Name = f.Name
		it.ID = f.ID
		it.Algorithm = f.Algorithm
		it.Children = f.Children
	default:
		it.Name = f.Name
		it.ID = f.ID
	}
	return nil
}

// RawStep is one heterogeneous rule step, e.g. ["take","root"] or
// ["choose", "firstn", 3, "type", "host"].
type RawStep []interface{}

func (s RawStep) op(loc string) (string, error) {
	if len(s) == 0 {
		return "", newError(ErrRuleShape, loc, "empty step")
	}
	op, ok := s[0].(string)
	if !ok {
		return "", newError(ErrRuleShape, loc, "step operator must be a string")
	}
	return op, nil
}

func (s RawStep) str(i int, loc string) (string, error) {
	if i >= len(s) {
		return "", newError(ErrRuleShape, loc, "step too short, missing element %d", i)
	}
	v, ok := s[i].(string)
	if !ok {
		return "", newError(ErrRuleShape, loc, "element %d must be a string", i)
	}
	return v, nil
}

func (s RawStep) num(i int, loc string) (int, error) {
	if i >= len(s) {
		return 0, newError(ErrRuleShape, loc, "step too short, missing element %d", i)
	}
	switch v := s[i].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, newError(ErrRuleShape, loc, "element %d must be a number", i)
	}
}

// stepOpKind maps the external (verb, firstn-or-indep) pair to an
// internal StepOp.
func stepOpKind(verb, mode string) (StepOp, bool) {
	switch {
	case verb == "choose" && mode == "firstn":
		return StepChooseFirstn, true
	case verb == "choose" && mode == "indep":
		return StepChooseIndep, true
	case verb == "chooseleaf" && mode == "firstn":
		return StepChooseleafFirstn, true
	case verb == "chooseleaf" && mode == "indep":
		return StepChooseleafIndep, true
	default:
		return "", false
	}
}
