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

package compare

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitalocean/crush"
)

func intp(v int32) *int32       { return &v }
func floatp(v float64) *float64 { return &v }

func threeDeviceMap(t *testing.T, excluded string) *crush.Crushmap {
	t.Helper()
	names := []string{"device0", "device1", "device2"}
	var children []crush.RawItem
	for i, name := range names {
		if name == excluded {
			continue
		}
		children = append(children, crush.RawItem{Name: name, ID: intp(int32(i)), Weight: floatp(1.0)})
	}
	raw := &crush.RawCrushmap{
		Trees: []crush.RawItem{
			{IsBucket: true, Type: "root", Name: "root", ID: intp(-1), Children: children},
		},
		Rules: map[string][]crush.RawStep{
			"r": {
				{"take", "root"},
				{"choose", "firstn", 0, "type", "device"},
				{"emit"},
			},
		},
	}
	c, err := crush.Parse(raw, false)
	require.NoError(t, err)
	return c
}

func TestRunDetectsNoMovementWhenIdentical(t *testing.T) {
	origin := threeDeviceMap(t, "")
	destination := threeDeviceMap(t, "")
	result, err := Run(context.Background(), origin, destination, Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ObjectsMoved)
	assert.Equal(t, 500, result.ObjectsCount)
}

func TestRunCountsMovementWhenDeviceRemoved(t *testing.T) {
	origin := threeDeviceMap(t, "")
	destination := threeDeviceMap(t, "device1")
	result, err := Run(context.Background(), origin, destination, Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 2000,
	})
	require.NoError(t, err)
	assert.Greater(t, result.ObjectsMoved, 0)

	var totalMoved int
	for _, row := range result.FromTo {
		for _, n := range row {
			totalMoved += n
		}
	}
	assert.Equal(t, result.ObjectsMoved, totalMoved)

	// device1 no longer exists in the destination crushmap, so nothing
	// can ever move onto it
	for _, row := range result.FromTo {
		for to := range row {
			assert.NotEqual(t, "device1", to)
		}
	}
}

func TestOrderMattersVsSetComparison(t *testing.T) {
	result := &Result{FromTo: map[string]map[string]int{}, InOut: map[string]map[string]int{}}
	moved := compareOne([]string{"a", "b"}, []string{"b", "a"}, true, nil, result)
	assert.True(t, moved, "order-matters must treat a swapped pair as movement")

	result2 := &Result{FromTo: map[string]map[string]int{}, InOut: map[string]map[string]int{}}
	moved2 := compareOne([]string{"a", "b"}, []string{"b", "a"}, false, nil, result2)
	assert.False(t, moved2, "order-insensitive must treat a swapped pair as no movement")
}

func TestBucketScopeRestrictsMoves(t *testing.T) {
	origin := threeDeviceMap(t, "")
	destination := threeDeviceMap(t, "device1")
	scope := map[string]bool{"device2": true}
	result, err := Run(context.Background(), origin, destination, Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 2000, ScopeItems: scope,
	})
	require.NoError(t, err)
	for from, row := range result.FromTo {
		for to := range row {
			assert.True(t, scope[from] || scope[to])
		}
	}
	for from, row := range result.InOut {
		for to := range row {
			assert.True(t, scope[from] || scope[to])
		}
	}
}

func TestBucketScopeClassifiesIntraVsBoundaryMoves(t *testing.T) {
	origin := threeDeviceMap(t, "")
	destination := threeDeviceMap(t, "device1")
	// device0 and device2 are both inside the scope: any move recorded
	// between them is intra-bucket (FromTo). A move touching device1
	// (outside the scope, since it was removed) would be boundary
	// crossing (InOut); none occur here since device1 never appears as
	// a destination once removed, but the classification still applies
	// to moves originating from it.
	scope := map[string]bool{"device0": true, "device2": true}
	result, err := Run(context.Background(), origin, destination, Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 2000, ScopeItems: scope,
	})
	require.NoError(t, err)
	for from, row := range result.FromTo {
		for to := range row {
			assert.True(t, scope[from] && scope[to], "FromTo must only contain moves fully inside the scope")
		}
	}
	for from, row := range result.InOut {
		for to := range row {
			assert.True(t, scope[from] != scope[to], "InOut must only contain moves crossing the scope boundary")
		}
	}
}

func TestRunAppliesPerSideChooseArgs(t *testing.T) {
	origin := threeDeviceMap(t, "")
	destination := threeDeviceMap(t, "")
	// Install a choose_args overlay on destination only, remapping all
	// weight to device2: if Run fails to apply ChooseArgsDest, origin and
	// destination would map identically and nothing would move.
	root := destination.GetByName("root")
	entry := &crush.WeightSetEntry{
		BucketID: root.ID(),
		WeightSet: [][]crush.Weight{{
			crush.WeightFromFloat(0),
			crush.WeightFromFloat(0),
			crush.WeightFromFloat(1),
		}},
	}
	destination.ChooseArgs = map[string]crush.ChooseArgsOverlay{"skew": {root.ID(): entry}}

	result, err := Run(context.Background(), origin, destination, Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 2000, ChooseArgsDest: "skew",
	})
	require.NoError(t, err)
	assert.Greater(t, result.ObjectsMoved, 0)
}
