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

package optimize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitalocean/crush"
	"github.com/digitalocean/crush/analyze"
)

func intp(v int32) *int32       { return &v }
func floatp(v float64) *float64 { return &v }

// skewedHostMap builds one host, the tree's only root, with five devices
// of unequal raw weight, so a single choose step must pick a device
// directly: the minimal case in which uneven device weights
// produce a noticeably skewed simulated distribution worth optimizing.
func skewedHostMap(t *testing.T) *crush.Crushmap {
	t.Helper()
	weights := []float64{5, 1, 1, 1, 1}
	var devices []crush.RawItem
	for i, w := range weights {
		devices = append(devices, crush.RawItem{
			Name: deviceName(i), ID: intp(int32(i)), Weight: floatp(w),
		})
	}
	raw := &crush.RawCrushmap{
		Trees: []crush.RawItem{
			{IsBucket: true, Type: "host", Name: "host0", ID: intp(-1), Children: devices},
		},
		Rules: map[string][]crush.RawStep{
			"r": {
				{"take", "host0"},
				{"choose", "firstn", 0, "type", "device"},
				{"emit"},
			},
		},
	}
	c, err := crush.Parse(raw, false)
	require.NoError(t, err)
	return c
}

func deviceName(i int) string { return []string{"device0", "device1", "device2", "device3", "device4"}[i] }

func TestRunProducesOverlayEntryForEachBucket(t *testing.T) {
	c := skewedHostMap(t)
	result, err := Run(context.Background(), c, Options{
		Rule:             "r",
		ReplicationCount: 1,
		ValuesCount:      3000,
		ChooseArgsName:   "optimized",
	})
	require.NoError(t, err)
	require.Len(t, result.Buckets, 1)
	entry := result.Overlay[-1]
	require.NotNil(t, entry)
	require.Len(t, entry.WeightSet, 1)
	assert.Len(t, entry.WeightSet[0], 5)
}

func TestRunNarrowsObservedSpread(t *testing.T) {
	c := skewedHostMap(t)

	before, err := analyze.Run(context.Background(), c, analyze.Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 5000, SkipFailureDomainStress: true,
	})
	require.NoError(t, err)
	beforeSpread := spreadOf(before)

	result, err := Run(context.Background(), c, Options{
		Rule:             "r",
		ReplicationCount: 1,
		ValuesCount:      5000,
		ChooseArgsName:   "optimized",
	})
	require.NoError(t, err)

	c.ChooseArgs["optimized"] = result.Overlay

	after, err := analyze.Run(context.Background(), c, analyze.Options{
		Rule: "r", ReplicationCount: 1, ValuesCount: 5000, ChooseArgsName: "optimized", SkipFailureDomainStress: true,
	})
	require.NoError(t, err)
	afterSpread := spreadOf(after)

	assert.Less(t, afterSpread, beforeSpread, "optimized weights should narrow the over/under-fill spread")
}

func spreadOf(report *analyze.Report) float64 {
	var max, min float64
	for i, row := range report.Rows {
		if i == 0 || row.OverUnderFillPct > max {
			max = row.OverUnderFillPct
		}
		if i == 0 || row.OverUnderFillPct < min {
			min = row.OverUnderFillPct
		}
	}
	return max - min
}

func TestRunRespectsCancellation(t *testing.T) {
	c := skewedHostMap(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := Run(ctx, c, Options{
		Rule:             "r",
		ReplicationCount: 1,
		ValuesCount:      1000,
		ChooseArgsName:   "optimized",
	})
	require.NoError(t, err)
	assert.True(t, result.Canceled)
}

func TestWithPositionsProducesOneRowPerReplica(t *testing.T) {
	c := skewedHostMap(t)
	result, err := Run(context.Background(), c, Options{
		Rule:             "r",
		ReplicationCount: 3,
		ValuesCount:      1500,
		ChooseArgsName:   "optimized",
		WithPositions:    true,
	})
	require.NoError(t, err)
	entry := result.Overlay[-1]
	require.NotNil(t, entry)
	assert.Len(t, entry.WeightSet, 3)
}

func TestEnsurePositionSeedsFromRawWeightsThenRepeatsLastRow(t *testing.T) {
	c := skewedHostMap(t)
	host := c.GetByName("host0")
	entry := &crush.WeightSetEntry{BucketID: host.ID()}
	ensurePosition(entry, host.Children(), 0)
	require.Len(t, entry.WeightSet, 1)
	assert.Equal(t, host.Children()[0].Weight(), entry.WeightSet[0][0])

	entry.WeightSet[0][1] = crush.WeightFromFloat(42)
	ensurePosition(entry, host.Children(), 2)
	require.Len(t, entry.WeightSet, 3)
	assert.Equal(t, entry.WeightSet[0], entry.WeightSet[2], "new rows repeat the last known row")
}
