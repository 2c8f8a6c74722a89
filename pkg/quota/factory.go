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
	"github.com/davel-ai/gateway/pkg/config"
	"github.com/davel-ai/gateway/pkg/coordination"
)

// RulesFromConfig converts the quota section of the configuration. When
// quotas are disabled globally every rule is disabled.
func RulesFromConfig(cfg config.QuotaConfig) Rules {
	enabled := cfg.IsEnabled()
	rule := func(rc config.QuotaRuleConfig) Rule {
		return Rule{
			Enabled: enabled && rc.IsEnabled(),
			Window:  rc.Window,
			Max:     rc.Max,
		}
	}
	return Rules{
		DimensionGlobal:     rule(cfg.Global),
		DimensionAddress:    rule(cfg.Address),
		DimensionSession:    rule(cfg.Session),
		DimensionEndpoint:   rule(cfg.Endpoint),
		DimensionConnection: rule(cfg.Connection),
		DimensionMessage:    rule(cfg.Message),
	}
}

// NewServiceFromConfig creates a Service for the quota configuration.
func NewServiceFromConfig(store *coordination.Store, cfg config.QuotaConfig, opts ...Option) (*Service, error) {
	rules := RulesFromConfig(cfg)
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	opts = append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)
	return NewService(store, rules, opts...), nil
}
