// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"fmt"
	"time"
)

// Dimension names an independent quota policy.
type Dimension string

const (
	DimensionGlobal     Dimension = "global"
	DimensionAddress    Dimension = "address"
	DimensionSession    Dimension = "session"
	DimensionEndpoint   Dimension = "endpoint"
	DimensionConnection Dimension = "connection"
	DimensionMessage    Dimension = "message"
)

// AllDimensions lists every dimension in a stable order.
var AllDimensions = []Dimension{
	DimensionGlobal,
	DimensionAddress,
	DimensionSession,
	DimensionEndpoint,
	DimensionConnection,
	DimensionMessage,
}

// Rule allows at most Max events per Window.
type Rule struct {
	Enabled bool          `json:"enabled"`
	Window  time.Duration `json:"window"`
	Max     int64         `json:"max"`
}

// Validate checks an enabled rule.
func (r Rule) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Window < time.Millisecond {
		return NewValidationError("window", fmt.Sprintf("must be at least 1ms, got %s", r.Window))
	}
	if r.Max <= 0 {
		return NewValidationError("max", fmt.Sprintf("must be positive, got %d", r.Max))
	}
	return nil
}

// Rules maps each dimension to its rule. Missing dimensions are disabled.
type Rules map[Dimension]Rule

// Validate checks every rule.
func (rs Rules) Validate() error {
	for dim, r := range rs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("quota rule %s: %w", dim, err)
		}
	}
	return nil
}

// Request names one dimension/identifier pair to evaluate.
type Request struct {
	Dimension  Dimension
	Identifier string
}

// Result is the admission decision for one request.
type Result struct {
	Dimension  Dimension `json:"dimension"`
	Identifier string    `json:"identifier"`
	Allowed    bool      `json:"allowed"`

	// Unlimited is set when the rule is disabled; the counters are zero.
	Unlimited bool `json:"unlimited,omitempty"`

	Limit     int64 `json:"limit"`
	Count     int64 `json:"count"`
	Remaining int64 `json:"remaining"`

	// ResetTime is the unix second at which the window ends.
	ResetTime int64 `json:"resetTime"`

	// RetryAfter is the number of seconds until the window ends. Only set
	// when the request was rejected.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// IsExceeded returns true if the request was rejected.
func (r *Result) IsExceeded() bool {
	return !r.Allowed
}

// RetryAfterDuration returns RetryAfter as a duration.
func (r *Result) RetryAfterDuration() time.Duration {
	return time.Duration(r.RetryAfter) * time.Second
}

// moreRestrictive reports whether a should win over b: a rejection beats an
// admission, and with equal status the smaller remaining allowance wins.
func moreRestrictive(a, b *Result) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	if a.Unlimited != b.Unlimited {
		return !a.Unlimited
	}
	return a.Remaining < b.Remaining
}
