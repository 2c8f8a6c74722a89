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

// Package quota provides multi-dimensional fixed-window admission control
// shared across gateway processes through the coordination store.
//
// Every dimension (global, address, session, endpoint, connection, message)
// has its own rule of the form "at most Max events per Window". A window is
// identified by its start, floor(now/window)*window, and counted in the key
//
//	quota:<dimension>:<identifier>:<windowStart>
//
// Counters are only ever incremented; admission is decided by comparing the
// current count against Max before recording. A check and its record are not
// atomic, so concurrent requests may overshoot a limit by a small amount.
//
// # Basic Usage
//
//	svc := quota.NewService(store, rules)
//	res, err := svc.CheckAndRecord(ctx,
//	    quota.Request{Dimension: quota.DimensionSession, Identifier: sessionID},
//	    quota.Request{Dimension: quota.DimensionAddress, Identifier: addr},
//	)
//	if !res.Allowed {
//	    // reject, retry after res.RetryAfter seconds
//	}
//
// When the coordination store is unreachable every check admits.
package quota
