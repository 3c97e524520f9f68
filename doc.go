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

// Package crush implements a pseudo-random, weighted, hierarchical
// placement engine with deterministic mapping: given a tree of weighted
// buckets and devices, a set of placement rules and an integer input
// value, it deterministically selects a list of leaf devices such that
// devices are filled in proportion to their weight and minimal
// reshuffling occurs when items are added, removed or reweighted.
package crush
