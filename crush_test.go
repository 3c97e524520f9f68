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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int32) *int32    { return &v }
func floatp(v float64) *float64 { return &v }

// twoHostMap builds the S1 scenario: root -> {host0, host1}, each host
// with two devices of weight 1.0 and 2.0.
func twoHostMap(t *testing.T) *Crushmap {
	t.Helper()
	raw := &RawCrushmap{
		Trees: []RawItem{
			{
				IsBucket: true, Type: "root", Name: "root", ID: intp(-1),
				Children: []RawItem{
					{
						IsBucket: true, Type: "host", Name: "host0", ID: intp(-2),
						Children: []RawItem{
							{Name: "device0", ID: intp(0), Weight: floatp(1.0)},
							{Name: "device1", ID: intp(1), Weight: floatp(2.0)},
						},
					},
					{
						IsBucket: true, Type: "host", Name: "host1", ID: intp(-3),
						Children: []RawItem{
							{Name: "device2", ID: intp(2), Weight: floatp(1.0)},
							{Name: "device3", ID: intp(3), Weight: floatp(2.0)},
						},
					},
				},
			},
		},
		Rules: map[string][]RawStep{
			"replicated": {
				{"take", "root"},
				{"chooseleaf", "firstn", 0, "type", "host"},
				{"emit"},
			},
		},
	}
	c, err := Parse(raw, false)
	require.NoError(t, err)
	return c
}

func TestParseAssignsIDsAndWeights(t *testing.T) {
	c := twoHostMap(t)
	root := c.GetByName("root")
	require.NotNil(t, root)
	assert.Equal(t, int32(-1), root.ID())
	assert.Equal(t, OneWeight+OneWeight*2+OneWeight+OneWeight*2, root.Weight())

	host0 := c.GetByName("host0")
	require.NotNil(t, host0)
	assert.Equal(t, OneWeight+OneWeight*2, host0.Weight())
}

func TestMapIsDeterministic(t *testing.T) {
	c := twoHostMap(t)
	m1, err := c.Map("replicated", 1234, 2)
	require.NoError(t, err)
	m2, err := c.Map("replicated", 1234, 2)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Len(t, m1, 2)
	assert.NotEqual(t, m1[0], m1[1], "two replicas must land on distinct devices")
}

func TestMapVariesWithValue(t *testing.T) {
	c := twoHostMap(t)
	seen := map[string]bool{}
	for v := int64(0); v < 200; v++ {
		m, err := c.Map("replicated", v, 1)
		require.NoError(t, err)
		require.Len(t, m, 1)
		seen[m[0]] = true
	}
	assert.True(t, len(seen) > 1, "mapping 200 distinct values should hit more than one device")
}

func TestMapRejectsUnknownRule(t *testing.T) {
	c := twoHostMap(t)
	_, err := c.Map("nope", 1, 1)
	assert.Error(t, err)
}

func TestMapRejectsUnknownWeightDevice(t *testing.T) {
	c := twoHostMap(t)
	_, err := c.Map("replicated", 1, 1, WithWeights(WeightsOverlay{"ghost": 1.0}))
	assert.Error(t, err)
}

func TestWeightZeroForbidsDevice(t *testing.T) {
	c := twoHostMap(t)
	excluded := "device0"
	for v := int64(0); v < 500; v++ {
		m, err := c.Map("replicated", v, 2, WithWeights(WeightsOverlay{excluded: 0}))
		require.NoError(t, err)
		for _, name := range m {
			assert.NotEqual(t, excluded, name)
		}
	}
}

func TestRuleMustEndWithEmit(t *testing.T) {
	raw := &RawCrushmap{
		Trees: []RawItem{{Name: "d0", ID: intp(0), Weight: floatp(1.0)}},
		Rules: map[string][]RawStep{
			"bad": {{"take", "d0"}},
		},
	}
	_, err := Parse(raw, false)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrRuleShape, cerr.Kind)
}

func TestDuplicateIDRejected(t *testing.T) {
	raw := &RawCrushmap{
		Trees: []RawItem{
			{
				IsBucket: true, Type: "root", Name: "root",
				Children: []RawItem{
					{Name: "d0", ID: intp(0)},
					{Name: "d1", ID: intp(0)},
				},
			},
		},
	}
	_, err := Parse(raw, false)
	require.Error(t, err)
}

func TestStrawRejectedWithoutBackwardCompat(t *testing.T) {
	raw := &RawCrushmap{
		Trees: []RawItem{
			{IsBucket: true, Type: "root", Name: "root", Algorithm: "straw",
				Children: []RawItem{{Name: "d0", ID: intp(0)}}},
		},
	}
	_, err := Parse(raw, false)
	require.Error(t, err)

	_, err = Parse(raw, true)
	require.NoError(t, err)
}

func TestReferenceCycleRejected(t *testing.T) {
	raw := &RawCrushmap{
		Trees: []RawItem{
			{
				IsBucket: true, Type: "root", Name: "root", ID: intp(-1),
				Children: []RawItem{
					{IsReference: true, ReferenceID: -1},
				},
			},
		},
	}
	_, err := Parse(raw, false)
	require.Error(t, err)
}

func TestReferenceResolvesWithWeightOverride(t *testing.T) {
	raw := &RawCrushmap{
		Trees: []RawItem{
			{
				IsBucket: true, Type: "root", Name: "root", ID: intp(-1),
				Children: []RawItem{
					{Name: "device0", ID: intp(0), Weight: floatp(1.0)},
				},
			},
			{IsReference: true, ReferenceID: 0, Weight: floatp(3.0)},
		},
	}
	c, err := Parse(raw, false)
	require.NoError(t, err)
	require.Len(t, c.Trees, 2)
	assert.Equal(t, WeightFromFloat(3.0), c.Trees[1].Weight())
	assert.Equal(t, WeightFromFloat(1.0), c.GetByName("device0").Weight())
}

func TestMergeSplitRoundTrip(t *testing.T) {
	c := twoHostMap(t)
	c.ChooseArgs["optimize"] = ChooseArgsOverlay{
		-2: {BucketID: -2, WeightSet: [][]Weight{{OneWeight, OneWeight * 2}}},
		-3: {BucketID: -3, WeightSet: [][]Weight{{OneWeight, OneWeight}}},
	}
	before := c.ChooseArgs["optimize"]

	MergeChooseArgs(c)
	assert.Empty(t, c.ChooseArgs)
	host0 := c.GetByName("host0")
	require.Contains(t, host0.Bucket.InlineChooseArgs, "optimize")

	SplitChooseArgs(c)
	after := c.ChooseArgs["optimize"]
	require.Len(t, after, len(before))
	for id, entry := range before {
		assert.Equal(t, entry.WeightSet, after[id].WeightSet)
	}
}

func TestFilterRemovesItemAndShrinksOverlay(t *testing.T) {
	c := twoHostMap(t)
	c.ChooseArgs["optimize"] = ChooseArgsOverlay{
		-2: {BucketID: -2, WeightSet: [][]Weight{{OneWeight, OneWeight * 2}}},
	}

	filtered := Filter(c, func(it *Item) bool {
		return it.Kind == KindDevice && it.Name() == "device1"
	})

	host0 := filtered.GetByName("host0")
	require.NotNil(t, host0)
	assert.Len(t, host0.Bucket.Children, 1)
	assert.Equal(t, "device0", host0.Bucket.Children[0].Name())

	entry := filtered.ChooseArgs["optimize"][-2]
	require.NotNil(t, entry)
	assert.Equal(t, [][]Weight{{OneWeight}}, entry.WeightSet)

	// original crushmap is untouched
	assert.Len(t, c.GetByName("host0").Bucket.Children, 2)
}

func TestFilterPreservesEmptyOverlayName(t *testing.T) {
	c := twoHostMap(t)
	c.ChooseArgs["optimize"] = ChooseArgsOverlay{
		-2: {BucketID: -2, WeightSet: [][]Weight{{OneWeight, OneWeight * 2}}},
	}

	// host0 is the only bucket carrying an "optimize" entry; removing it
	// entirely should still leave the name present, just empty.
	filtered := Filter(c, func(it *Item) bool {
		return it.Kind == KindBucket && it.Name() == "host0"
	})

	require.Contains(t, filtered.ChooseArgs, "optimize")
	assert.Empty(t, filtered.ChooseArgs["optimize"])
}

func TestHashIsStableAndSpreads(t *testing.T) {
	h1 := Hash(1234, -2, 0, 0)
	h2 := Hash(1234, -2, 0, 0)
	assert.Equal(t, h1, h2)

	seen := map[uint32]bool{}
	for attempt := 0; attempt < 32; attempt++ {
		seen[Hash(1234, -2, 0, attempt)] = true
	}
	assert.True(t, len(seen) > 16, "varying attempt should usually change the hash")
}
