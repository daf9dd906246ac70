package policy_test

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/nstar/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_DefaultWeights(t *testing.T) {
	e := policy.NewDefaultEngine()

	ev := policy.Evidence{TestsPass: 1, RetrievalCited: 0, CostOK: 1, DiffTiny: 1}
	assert.Equal(t, 0.75, e.Score(ev))

	assert.Equal(t, 1.0, e.Score(policy.Evidence{TestsPass: 1, RetrievalCited: 1, CostOK: 1, DiffTiny: 1}))
	assert.Equal(t, 0.0, e.Score(policy.Evidence{}))
}

func TestScore_NonBinarySignalsAreCoerced(t *testing.T) {
	e := policy.NewDefaultEngine()
	assert.Equal(t, e.Score(policy.Evidence{TestsPass: 1}), e.Score(policy.Evidence{TestsPass: 7}))
}

func TestThreshold(t *testing.T) {
	e := policy.NewDefaultEngine()

	assert.Equal(t, 0.6, e.Threshold(policy.ModeSafe))
	assert.Equal(t, 0.5, e.Threshold(policy.ModeFast))
	assert.Equal(t, 0.4, e.Threshold(policy.ModeCheap))
	assert.Equal(t, e.Threshold(policy.ModeFast), e.Threshold("unknown-mode"))
}

func TestCostGate(t *testing.T) {
	e := policy.NewDefaultEngine()

	res := e.CostGate(0.02)
	assert.True(t, res.OK)
	assert.Equal(t, 3.0, res.Ceiling)

	assert.True(t, e.CostGate(3.0).OK, "ceiling is inclusive")
	assert.False(t, e.CostGate(3.01).OK)
}

func TestDecide(t *testing.T) {
	ctx := context.Background()
	ev := policy.Evidence{TestsPass: 1, RetrievalCited: 0, CostOK: 1, DiffTiny: 1}

	t.Run("commit under safe", func(t *testing.T) {
		d := policy.NewDefaultEngine().Decide(ctx, policy.ModeSafe, ev, 0.02)
		assert.Equal(t, 0.75, d.Gamma)
		assert.Equal(t, 0.6, d.Threshold)
		assert.True(t, d.Pass)
		assert.True(t, d.Commit)
	})

	t.Run("defer under higher threshold", func(t *testing.T) {
		cfg := policy.DefaultGammaConfig()
		cfg.Thresholds[policy.ModeSafe] = 0.8
		d := policy.NewEngine(cfg, policy.DefaultCostConfig()).Decide(ctx, policy.ModeSafe, ev, 0.02)
		assert.False(t, d.Pass)
		assert.False(t, d.Commit)
	})

	t.Run("defer when cost over ceiling", func(t *testing.T) {
		d := policy.NewDefaultEngine().Decide(ctx, policy.ModeSafe, ev, 5)
		assert.True(t, d.Pass)
		assert.False(t, d.Cost.OK)
		assert.False(t, d.Commit)
	})
}

func TestDecide_GuardRules(t *testing.T) {
	ctx := context.Background()
	cfg := policy.DefaultGammaConfig()
	cfg.Rules = []string{
		`evidence.tests_pass == 1`,
		`mode != "cheap" || cost_estimate < 0.5`,
	}
	e := policy.NewEngine(cfg, policy.DefaultCostConfig())
	require.Len(t, e.Gamma().Rules, 2)

	d := e.Decide(ctx, policy.ModeCheap, policy.Evidence{TestsPass: 1, CostOK: 1, DiffTiny: 1}, 0.1)
	assert.True(t, d.Commit)
	assert.Empty(t, d.Violations)

	d = e.Decide(ctx, policy.ModeCheap, policy.Evidence{RetrievalCited: 1, CostOK: 1, DiffTiny: 1}, 0.1)
	assert.True(t, d.Pass)
	assert.False(t, d.Commit)
	assert.Equal(t, []string{`evidence.tests_pass == 1`}, d.Violations)
}

func TestNewEngine_DropsInvalidRules(t *testing.T) {
	cfg := policy.DefaultGammaConfig()
	cfg.Rules = []string{`gamma +`, `gamma`, `true`}
	e := policy.NewEngine(cfg, policy.DefaultCostConfig())

	d := e.Decide(context.Background(), policy.ModeFast, policy.Evidence{TestsPass: 1, CostOK: 1}, 0)
	assert.True(t, d.Commit, "only the valid rule should remain")
}
