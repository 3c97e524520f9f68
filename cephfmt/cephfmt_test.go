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

package cephfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `{
	"devices": [
		{"id": 0, "name": "osd.0"},
		{"id": 1, "name": "osd.1"},
		{"id": 2, "name": "osd.2"}
	],
	"buckets": [
		{
			"id": -2, "name": "host0", "type_name": "host", "alg": "straw2",
			"items": [{"id": 0, "weight": 65536}, {"id": 1, "weight": 65536}]
		},
		{
			"id": -3, "name": "host1", "type_name": "host", "alg": "straw2",
			"items": [{"id": 2, "weight": 65536}]
		},
		{
			"id": -1, "name": "default", "type_name": "root", "alg": "straw2",
			"items": [{"id": -2, "weight": 131072}, {"id": -3, "weight": 65536}]
		}
	],
	"rules": [
		{
			"rule_name": "replicated_rule",
			"steps": [
				{"op": "take", "item": -1, "item_name": "default"},
				{"op": "chooseleaf_firstn", "num": 0, "type": "host"},
				{"op": "emit"}
			]
		}
	],
	"tunables": {"choose_total_tries": 50, "straw_calc_version": 1}
}`

func TestDecodeCrushmapDumpBuildsUsableCrushmap(t *testing.T) {
	c, err := DecodeCrushmapDump([]byte(sampleDump))
	require.NoError(t, err)

	root := c.GetByName("default")
	require.NotNil(t, root)
	assert.Equal(t, "root", root.TypeName())

	osd0 := c.GetByName("osd.0")
	require.NotNil(t, osd0)
	assert.InDelta(t, 1.0, osd0.Weight().Float64(), 1e-9)

	mapping, err := c.Map("replicated_rule", 42, 1)
	require.NoError(t, err)
	require.Len(t, mapping, 1)
	assert.NotEmpty(t, mapping[0])
}

func TestDecodeOSDTreeParsesNodes(t *testing.T) {
	data := []byte(`{
		"nodes": [
			{"id": -1, "name": "default", "type": "root"},
			{"id": 0, "name": "osd.0", "type": "osd", "status": "up", "reweight": 1.0, "crush_weight": 1.0}
		],
		"stray": []
	}`)
	out, err := DecodeOSDTree(data)
	require.NoError(t, err)
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, "osd.0", out.Nodes[1].Name)
	assert.Equal(t, 1.0, out.Nodes[1].Reweight)
}

func TestParseWeightsDumpAcceptsFlatMap(t *testing.T) {
	overlay, err := ParseWeightsDump([]byte(`{"osd.0": 0.5, "osd.1": 1.0}`))
	require.NoError(t, err)
	assert.Equal(t, 0.5, overlay["osd.0"])
	assert.Equal(t, 1.0, overlay["osd.1"])
}

func TestParseWeightsDumpExtractsReweightedOSDsFromDfDump(t *testing.T) {
	data := []byte(`{
		"nodes": [
			{"id": 0, "name": "osd.0", "reweight": 0.8},
			{"id": 1, "name": "osd.1", "reweight": 1.0}
		]
	}`)
	overlay, err := ParseWeightsDump(data)
	require.NoError(t, err)
	assert.Equal(t, 0.8, overlay["osd.0"])
	assert.NotContains(t, overlay, "osd.1", "fully-weighted OSDs are not overrides")
}
