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

// Package cephconn wraps a live RADOS connection as the source and sink
// of crushmaps and choose_args overlays (§6), generalizing the
// teacher's single-OSD reweight client to the full crushmap surface.
package cephconn

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/ceph/go-ceph/rados"

	"github.com/digitalocean/crush"
	"github.com/digitalocean/crush/cephfmt"
)

// Client is the boundary between this module's pure crushmap engine and
// a live cluster: fetch the current crushmap, publish a named
// choose_args overlay, done.
type Client interface {
	// FetchCrushmap retrieves and decodes the cluster's current
	// crushmap via `osd crush dump`.
	FetchCrushmap() (*crush.Crushmap, error)

	// ApplyChooseArgs publishes overlay under name, one bucket entry per
	// mon command, mirroring the teacher's CrushReweight's one-OSD-at-a-
	// time command dispatch.
	ApplyChooseArgs(name string, overlay crush.ChooseArgsOverlay) error

	// BackfillingPGs returns the count of PGs in 'backfilling' or
	// 'backfill_wait' state, same definition as the teacher's
	// CephClient.BackfillingPGs.
	BackfillingPGs() (int, error)

	// RecoveringPGs returns the count of PGs in 'recovering' or
	// 'recovery_wait' state, same definition as the teacher's
	// CephClient.RecoveringPGs.
	RecoveringPGs() (int, error)

	// Close disconnects from the cluster.
	Close()
}

type client struct {
	conn *rados.Conn
}

// Verify compile time that *client implements Client.
var _ Client = &client{}

// New takes in a Ceph user and path to ceph.conf for establishing a
// connection to a ceph cluster and returning a usable handle, exactly
// as the teacher's NewCephClient derives the cluster name from the conf
// file's basename.
func New(user, configPath string) (Client, error) {
	confParts := strings.SplitN(path.Base(configPath), ".", 2)
	if len(confParts) < 2 {
		return nil, fmt.Errorf("cephconn: invalid ceph conf: %q", configPath)
	}
	clusterName := confParts[0]

	conn, err := rados.NewConnWithClusterAndUser(clusterName, user)
	if err != nil {
		return nil, fmt.Errorf("cephconn: cannot create conn stub (user=%q,cluster=%q): %s", user, clusterName, err)
	}

	if err := conn.ReadConfigFile(configPath); err != nil {
		return nil, fmt.Errorf("cephconn: error reading config file %q: %s", configPath, err)
	}

	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("cephconn: error connecting to cluster: %s", err)
	}

	return &client{conn: conn}, nil
}

func (c *client) FetchCrushmap() (*crush.Crushmap, error) {
	cmd, err := json.Marshal(map[string]interface{}{
		"prefix": "osd crush dump",
		"format": "json",
	})
	if err != nil {
		return nil, err
	}

	buf, _, err := c.conn.MonCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("cephconn: osd crush dump: %s", err)
	}

	return cephfmt.DecodeCrushmapDump(buf)
}

// ApplyChooseArgs has no single canonical mon command in real Ceph (the
// closest equivalent is re-uploading a whole compiled crushmap via
// `osd setcrushmap`); this issues one `osd crush set-choose-args-bucket`
// per overlay entry, the same one-item-per-command shape as the
// teacher's CrushReweight, rather than attempting full crushmap
// recompilation here.
func (c *client) ApplyChooseArgs(name string, overlay crush.ChooseArgsOverlay) error {
	for bucketID, entry := range overlay {
		weightSet := make([][]float64, len(entry.WeightSet))
		for i, row := range entry.WeightSet {
			weightSet[i] = make([]float64, len(row))
			for j, w := range row {
				weightSet[i][j] = w.Float64()
			}
		}
		cmd, err := json.Marshal(map[string]interface{}{
			"prefix":     "osd crush set-choose-args-bucket",
			"name":       name,
			"bucket_id":  bucketID,
			"weight_set": weightSet,
		})
		if err != nil {
			return err
		}
		if _, _, err := c.conn.MonCommand(cmd); err != nil {
			return fmt.Errorf("cephconn: apply choose_args %q bucket %d: %s", name, bucketID, err)
		}
	}
	return nil
}

func (c *client) BackfillingPGs() (int, error) {
	return c.countPGsInStates("backfilling", "backfill_wait")
}

func (c *client) RecoveringPGs() (int, error) {
	return c.countPGsInStates("recovering", "recovery_wait")
}

func (c *client) countPGsInStates(states ...string) (int, error) {
	cmd, err := json.Marshal(map[string]interface{}{
		"prefix": "status",
		"format": "json",
	})
	if err != nil {
		return 0, err
	}
	buf, _, err := c.conn.MonCommand(cmd)
	if err != nil {
		return 0, fmt.Errorf("cephconn: status: %s", err)
	}
	status, err := cephfmt.ParseClusterStatus(buf)
	if err != nil {
		return 0, err
	}
	return status.CountPGsInStates(states...), nil
}

func (c *client) Close() {
	c.conn.Shutdown()
}
