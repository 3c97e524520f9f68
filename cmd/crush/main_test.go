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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSONCrushmap = `{
	"trees": [
		{"type": "root", "name": "default", "children": [
			{"name": "osd.0", "id": 0, "weight": 1.0},
			{"name": "osd.1", "id": 1, "weight": 1.0}
		]}
	],
	"rules": {
		"r": [["take", "default"], ["choose", "firstn", 0, "type", "device"], ["emit"]]
	},
	"tunables": {}
}`

const sampleYAMLCrushmap = `
trees:
  - type: root
    name: default
    children:
      - name: osd.0
        id: 0
        weight: 1.0
      - name: osd.1
        id: 1
        weight: 1.0
rules:
  r:
    - ["take", "default"]
    - ["choose", "firstn", 0, "type", "device"]
    - ["emit"]
tunables: {}
`

func TestLoadCrushmapFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSONCrushmap), 0o644))

	c, err := loadCrushmapFile(path, "json")
	require.NoError(t, err)
	assert.NotNil(t, c.GetByName("osd.0"))
}

func TestLoadCrushmapFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAMLCrushmap), 0o644))

	c, err := loadCrushmapFile(path, "yaml")
	require.NoError(t, err)
	require.NotNil(t, c.GetByName("osd.1"))

	mapping, err := c.Map("r", 7, 1)
	require.NoError(t, err)
	assert.Len(t, mapping, 1)
}

func TestLoadCrushmapFileRequiresPath(t *testing.T) {
	_, err := loadCrushmapFile("", "json")
	assert.Error(t, err)
}
