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

package analyze

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitalocean/crush"
)

func intp(v int32) *int32       { return &v }
func floatp(v float64) *float64 { return &v }

// fiveHostMap builds the S2 scenario (spec §8): 5 hosts weighted
// [7,7,7,3,3] under one root, one device per host so the host weight is
// also the device weight, R=4.
func fiveHostMap(t *testing.T) *crush.Crushmap {
	t.Helper()
	weights := []float64{7, 7, 7, 3, 3}
	var hosts []crush.RawItem
	for i, w := range weights {
		hosts = append(hosts, crush.RawItem{
			IsBucket: true, Type: "host", Name: hostName(i), ID: intp(int32(-2 - i)),
			Children: []crush.RawItem{
				{Name: deviceName(i), ID: intp(int32(i)), Weight: floatp(w)},
			},
		})
	}
	raw := &crush.RawCrushmap{
		Trees: []crush.RawItem{
			{IsBucket: true, Type: "root", Name: "root", ID: intp(-1), Children: hosts},
		},
		Rules: map[string][]crush.RawStep{
			"replicated": {
				{"take", "root"},
				{"chooseleaf", "firstn", 0, "type", "host"},
				{"emit"},
			},
		},
	}
	c, err := crush.Parse(raw, false)
	require.NoError(t, err)
	return c
}

func hostName(i int) string   { return []string{"host0", "host1", "host2", "host3", "host4"}[i] }
func deviceName(i int) string { return []string{"device0", "device1", "device2", "device3", "device4"}[i] }

func TestCropTypeFlagsOverweightedHosts(t *testing.T) {
	c := fiveHostMap(t)
	root := c.GetByName("root")
	infos := collectSubtree(root)
	var hosts []itemInfo
	for _, info := range infos {
		if info.item.TypeName() == "host" {
			hosts = append(hosts, info)
		}
	}
	require.Len(t, hosts, 5)

	crop := cropType(hosts, 4)
	overweightedCount := 0
	for _, info := range hosts {
		if crop[info.item.ID()].overweighted {
			overweightedCount++
			assert.InDelta(t, 3.0, crop[info.item.ID()].croppedWeight, 1e-9)
		}
	}
	assert.Equal(t, 3, overweightedCount, "hosts weighted 7 should all be flagged overweighted at R=4")
}

func TestRunSumLaw(t *testing.T) {
	c := fiveHostMap(t)
	report, err := Run(context.Background(), c, Options{
		Rule:                    "replicated",
		ReplicationCount:        2,
		ValuesCount:             2000,
		SkipFailureDomainStress: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, report.Rows)

	var sumExpected, sumObserved int
	for _, row := range report.Rows {
		sumExpected += row.Expected
		sumObserved += row.Observed
	}
	assert.Equal(t, 2*2000, sumExpected, "expected counts must sum to total_objects (sum law)")
	assert.Equal(t, 2*2000, sumObserved, "observed counts must sum to R*|V| when every value maps fully")
}

func TestRunFlagsOverweightedHosts(t *testing.T) {
	c := fiveHostMap(t)
	report, err := Run(context.Background(), c, Options{
		Rule:                    "replicated",
		ReplicationCount:        4,
		Type:                    "host",
		ValuesCount:             500,
		SkipFailureDomainStress: true,
	})
	require.NoError(t, err)
	assert.Len(t, report.Overweighted, 3)
}

func TestRunRespectsCancellation(t *testing.T) {
	c := fiveHostMap(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := Run(ctx, c, Options{
		Rule:                    "replicated",
		ReplicationCount:        2,
		ValuesCount:             1000,
		SkipFailureDomainStress: true,
	})
	require.NoError(t, err)
	assert.True(t, report.Canceled)
}

func TestFailureDomainStressSkippedForDeviceDomain(t *testing.T) {
	raw := &crush.RawCrushmap{
		Trees: []crush.RawItem{
			{IsBucket: true, Type: "root", Name: "r2", ID: intp(-20), Children: []crush.RawItem{
				{Name: "solo", ID: intp(50), Weight: floatp(1.0)},
			}},
		},
		Rules: map[string][]crush.RawStep{
			"byDevice": {
				{"take", "r2"},
				{"choose", "firstn", 0, "type", "device"},
				{"emit"},
			},
		},
	}
	c2, err := crush.Parse(raw, false)
	require.NoError(t, err)
	report, err := Run(context.Background(), c2, Options{
		Rule:             "byDevice",
		ReplicationCount: 1,
		ValuesCount:      100,
	})
	require.NoError(t, err)
	assert.Nil(t, report.WorstCase)
}
