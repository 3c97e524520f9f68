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

import "fmt"

// mapConfig collects the optional knobs of Map, built up by MapOption
// functions the same way Rebalancer.Option builds up a Rebalancer.
type mapConfig struct {
	weights        WeightsOverlay
	chooseArgsName string
	inlineOverlay  ChooseArgsOverlay
}

// MapOption configures one call to Crushmap.Map.
type MapOption func(*mapConfig)

// WithWeights applies the ephemeral per-device weight dictionary (§3,
// §4.4) to this mapping call only.
func WithWeights(w WeightsOverlay) MapOption {
	return func(c *mapConfig) {
		c.weights = w
	}
}

// WithChooseArgs selects a named choose_args overlay already present on
// the parsed crushmap.
func WithChooseArgs(name string) MapOption {
	return func(c *mapConfig) {
		c.chooseArgsName = name
	}
}

// WithInlineChooseArgs supplies a choose_args overlay directly, without
// it having to be registered on the crushmap under a name. Mutually
// exclusive with WithChooseArgs; the last option wins.
func WithInlineChooseArgs(overlay ChooseArgsOverlay) MapOption {
	return func(c *mapConfig) {
		c.inlineOverlay = overlay
		c.chooseArgsName = ""
	}
}

// Map deterministically selects replicationCount devices from rule for
// value (§4.4). Slots that could not be filled within the retry budget
// are dropped by firstn steps (so the result can be shorter than
// replicationCount) and left as "" by indep steps; they are never an
// error (§4.3, §7) — mapping never fails hard.
func (c *Crushmap) Map(rule string, value int64, replicationCount int, opts ...MapOption) ([]string, error) {
	if replicationCount < 1 {
		return nil, fmt.Errorf("crush: replication_count must be >= 1, got %d", replicationCount)
	}
	r, ok := c.Rules[rule]
	if !ok {
		return nil, fmt.Errorf("crush: unknown rule %q", rule)
	}

	var cfg mapConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	for name := range cfg.weights {
		if c.GetByName(name) == nil {
			return nil, fmt.Errorf("crush: weights dictionary names unknown device %q", name)
		}
	}

	overlay := cfg.inlineOverlay
	if cfg.chooseArgsName != "" {
		o, ok := c.ChooseArgs[cfg.chooseArgsName]
		if !ok {
			return nil, fmt.Errorf("crush: unknown choose_args %q", cfg.chooseArgsName)
		}
		overlay = o
	}

	return mapRule(c, r, value, replicationCount, cfg.weights, overlay)
}

// RuleTakeAndFailureDomain returns the bucket name named by a rule's
// take step and the type named by its first choose/chooseleaf step (the
// rule's failure domain, used by the analyzer and optimizer).
func (c *Crushmap) RuleTakeAndFailureDomain(rule string) (string, string, error) {
	r, ok := c.Rules[rule]
	if !ok {
		return "", "", fmt.Errorf("crush: unknown rule %q", rule)
	}
	var take, domain string
	for _, step := range r {
		switch step.Op {
		case StepTake:
			take = step.BucketName
		case StepChooseFirstn, StepChooseIndep, StepChooseleafFirstn, StepChooseleafIndep:
			if domain == "" {
				domain = step.Type
			}
		}
	}
	return take, domain, nil
}
