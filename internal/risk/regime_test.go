package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ballast/internal/config"
)

func testRiskCfg() config.RiskConfig {
	return config.RiskConfig{
		TargetVolAnnual:  0.12,
		VolFloor:         0.05,
		VolWindowDays:    20,
		PriorVol:         0.10,
		BurnInDays:       60,
		GlidepathDays:    10,
		ScalarStepDown:   0.80,
		ScalarStepUp:     1.25,
		MaxDrawdownPct:   0.10,
		ElevatedVolLevel: 25,
		CrisisVolLevel:   40,
		RecoveryExitDays: 5,
		DataGapHaircut:   0.50,
	}
}

func TestClassify(t *testing.T) {
	cfg := testRiskCfg()
	cases := []struct {
		name string
		in   ClassifyInputs
		want Decision
	}{
		{
			name: "calm_market_normal",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumUp: true, MomentumOK: true},
			want: Decision{Regime: RegimeNormal},
		},
		{
			name: "elevated_by_proxy",
			in:   ClassifyInputs{ProxyVolPct: 30, ProxyOK: true, MomentumUp: true, MomentumOK: true},
			want: Decision{Regime: RegimeElevated},
		},
		{
			name: "elevated_by_momentum",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumUp: false, MomentumOK: true},
			want: Decision{Regime: RegimeElevated},
		},
		{
			name: "crisis_by_proxy",
			in:   ClassifyInputs{ProxyVolPct: 45, ProxyOK: true, MomentumUp: true, MomentumOK: true},
			want: Decision{Regime: RegimeCrisis, InRecovery: true},
		},
		{
			name: "crisis_by_drawdown",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumUp: true, MomentumOK: true, Drawdown: 0.11},
			want: Decision{Regime: RegimeCrisis, InRecovery: true},
		},
		{
			name: "recovery_first_calm_run",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumUp: true, MomentumOK: true, PrevInRecovery: true},
			want: Decision{Regime: RegimeRecovery, CalmStreak: 1, InRecovery: true},
		},
		{
			name: "recovery_relapse_resets_streak",
			in:   ClassifyInputs{ProxyVolPct: 30, ProxyOK: true, MomentumUp: true, MomentumOK: true, PrevInRecovery: true, PrevCalmStreak: 3},
			want: Decision{Regime: RegimeRecovery, CalmStreak: 0, InRecovery: true},
		},
		{
			name: "recovery_back_to_crisis",
			in:   ClassifyInputs{ProxyVolPct: 45, ProxyOK: true, PrevInRecovery: true, PrevCalmStreak: 3},
			want: Decision{Regime: RegimeCrisis, CalmStreak: 0, InRecovery: true},
		},
		{
			name: "recovery_exits_after_streak",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumUp: true, MomentumOK: true, PrevInRecovery: true, PrevCalmStreak: 4},
			want: Decision{Regime: RegimeNormal},
		},
		{
			name: "recovery_exit_with_weak_momentum",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumUp: false, MomentumOK: true, PrevInRecovery: true, PrevCalmStreak: 4},
			want: Decision{Regime: RegimeElevated},
		},
		{
			name: "missing_proxy_degrades_to_elevated",
			in:   ClassifyInputs{ProxyOK: false, MomentumUp: true, MomentumOK: true},
			want: Decision{Regime: RegimeElevated},
		},
		{
			name: "missing_momentum_degrades_to_elevated",
			in:   ClassifyInputs{ProxyVolPct: 18, ProxyOK: true, MomentumOK: false},
			want: Decision{Regime: RegimeElevated},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(cfg, tc.in))
		})
	}
}

// 完整走一遍危机到恢复的生命周期：CRISIS 之后要连续 5 次平静运行
// 才回到 NORMAL，期间任何反复都会清零计数。
func TestRecoveryLifecycle(t *testing.T) {
	cfg := testRiskCfg()

	dec := Classify(cfg, ClassifyInputs{ProxyVolPct: 45, ProxyOK: true})
	require.Equal(t, RegimeCrisis, dec.Regime)

	calm := func(prev Decision) ClassifyInputs {
		return ClassifyInputs{
			ProxyVolPct: 18, ProxyOK: true,
			MomentumUp: true, MomentumOK: true,
			PrevInRecovery: prev.InRecovery, PrevCalmStreak: prev.CalmStreak,
		}
	}

	for i := 1; i < cfg.RecoveryExitDays; i++ {
		dec = Classify(cfg, calm(dec))
		require.Equal(t, RegimeRecovery, dec.Regime, "run %d", i)
		require.Equal(t, i, dec.CalmStreak, "run %d", i)
	}

	dec = Classify(cfg, calm(dec))
	require.Equal(t, RegimeNormal, dec.Regime)
	require.False(t, dec.InRecovery)
	require.Zero(t, dec.CalmStreak)
}

func TestRegimeFactor(t *testing.T) {
	cfg := testRiskCfg()
	require.InDelta(t, 1.0, RegimeFactor(cfg, RegimeNormal, 0), 1e-12)
	require.InDelta(t, 0.5, RegimeFactor(cfg, RegimeElevated, 0), 1e-12)
	require.InDelta(t, 0.25, RegimeFactor(cfg, RegimeCrisis, 0), 1e-12)

	// RECOVERY 随平静进度线性爬升。
	require.InDelta(t, 0.25, RegimeFactor(cfg, RegimeRecovery, 0), 1e-12)
	require.InDelta(t, 0.55, RegimeFactor(cfg, RegimeRecovery, 2), 1e-12)
	require.InDelta(t, 0.85, RegimeFactor(cfg, RegimeRecovery, 4), 1e-12)
	require.InDelta(t, 1.0, RegimeFactor(cfg, RegimeRecovery, 9), 1e-12)

	require.InDelta(t, 0.25, RegimeFactor(cfg, Regime("BOGUS"), 0), 1e-12)
}
