// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nfqengine/internal/config"
	"grimm.is/nfqengine/internal/errors"
)

func TestRuleFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Rule.Hook = "output"
	cfg.Rule.Bypass = true
	cfg.Rule.Interface = "nfq0"

	r := RuleFromConfig(cfg.Rule, 12)
	require.NoError(t, r.Validate())

	assert.Equal(t, "inet", r.Family)
	assert.Equal(t, config.DefaultRuleTable, r.Table)
	assert.Equal(t, HookOutput, r.Hook)
	assert.Equal(t, uint16(12), r.Queue)
	assert.True(t, r.Bypass)
	assert.True(t, r.matchesOutput())
	assert.Equal(t, "nfqengine-queue-12", r.Comment())
}

func TestRuleValidate(t *testing.T) {
	base := Rule{Family: "ip", Table: "t", Chain: "c", Hook: HookInput}
	require.NoError(t, base.Validate())
	assert.False(t, base.matchesOutput())

	tests := map[string]func(r *Rule){
		"family":    func(r *Rule) { r.Family = "ip6" },
		"hook":      func(r *Rule) { r.Hook = "ingress" },
		"table":     func(r *Rule) { r.Table = "" },
		"interface": func(r *Rule) { r.Interface = "an-interface-name-too-long" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}
