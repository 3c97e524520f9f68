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

package cephconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// New's cluster-name derivation from the config path's basename is
// pure logic and runs before any RADOS connection is attempted, so it
// is the only part of this package testable without a live cluster;
// everything past it is exercised through the Client interface by
// callers against a fake, never a live cluster.
func TestNewRejectsConfigPathWithoutClusterName(t *testing.T) {
	_, err := New("client.admin", "/etc/ceph/cephconfwithnodot")
	assert.Error(t, err)
}
