package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"ballast/internal/portfolio"
)

// 已走完 glidepath 的状态，让测试聚焦在钳制与折减上。
func settledGlide(hash string) portfolio.GlidepathState {
	return portfolio.GlidepathState{Day: 10, FromScalar: 1.0, SleevesHash: hash}
}

func TestComputeScalarClampBinds(t *testing.T) {
	cfg := testRiskCfg()
	// 实现波动率 24%、目标 12%：raw 0.5，但单日只允许降到 0.80 倍。
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.24, Estimated: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  1.0,
		Glidepath:   settledGlide("h1"),
		SleevesHash: "h1",
	})
	require.InDelta(t, 0.5, res.Raw, 1e-12)
	require.InDelta(t, 0.80, res.Scalar, 1e-12)
	require.True(t, res.Clamped)
}

func TestComputeScalarMidRangeUnclamped(t *testing.T) {
	cfg := testRiskCfg()
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.13, Estimated: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  1.0,
		Glidepath:   settledGlide("h1"),
		SleevesHash: "h1",
	})
	require.InDelta(t, 0.12/0.13, res.Scalar, 1e-12)
	require.False(t, res.Clamped)
}

func TestComputeScalarCrisisFactorBeforeClamp(t *testing.T) {
	cfg := testRiskCfg()
	// raw 1.0，CRISIS 直接砍到 0.25；上次已在 0.30，钳制下限 0.24 不挡路。
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.12, Estimated: true, Regime: RegimeCrisis},
		EstimateOK:  true,
		PrevScalar:  0.30,
		Glidepath:   settledGlide("h1"),
		SleevesHash: "h1",
	})
	require.InDelta(t, 0.25, res.RegimeFactor, 1e-12)
	require.InDelta(t, 0.25, res.Scalar, 1e-12)
	require.False(t, res.Clamped)
}

func TestComputeScalarVolFloor(t *testing.T) {
	cfg := testRiskCfg()
	// 波动率低于 floor 时按 floor 计算，raw = 0.12/0.05 = 2.4，再被总杠杆截断。
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.01, Estimated: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  2.0,
		Glidepath:   settledGlide("h1"),
		SleevesHash: "h1",
	})
	require.InDelta(t, 2.4, res.Raw, 1e-12)
	require.InDelta(t, 2.0, res.Scalar, 1e-12)
}

func TestComputeScalarDataGapHaircut(t *testing.T) {
	cfg := testRiskCfg()
	// 先验波动率 0.10 → raw 1.2，数据缺口折半到 0.6。
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.10, DataGap: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  0.65,
		Glidepath:   settledGlide("h1"),
		SleevesHash: "h1",
	})
	require.InDelta(t, 0.60, res.Scalar, 1e-12)
	require.False(t, res.Clamped)
}

func TestComputeScalarInceptionGlidepath(t *testing.T) {
	cfg := testRiskCfg()
	// 首跑：prev 0、指纹为空，glidepath 从 0 起步，第 1 天只给目标的 10%。
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.12, Estimated: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  0,
		SleevesHash: "h1",
	})
	require.True(t, res.GlidepathOn)
	require.Equal(t, 1, res.Glidepath.Day)
	require.Equal(t, "h1", res.Glidepath.SleevesHash)
	require.InDelta(t, 0.10, res.Scalar, 1e-12)
	require.False(t, res.Clamped)
}

func TestComputeScalarGlidepathAdvancesAndFinishes(t *testing.T) {
	cfg := testRiskCfg()
	in := ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.12, Estimated: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  0.88,
		Glidepath:   portfolio.GlidepathState{Day: 8, FromScalar: 0, SleevesHash: "h1"},
		SleevesHash: "h1",
	}
	res := ComputeScalar(cfg, 2.0, in)
	require.Equal(t, 9, res.Glidepath.Day)
	require.True(t, res.GlidepathOn)
	require.InDelta(t, 0.90, res.Scalar, 1e-12) // 0 + 1.0×9/10

	in.Glidepath = res.Glidepath
	in.PrevScalar = res.Scalar
	res = ComputeScalar(cfg, 2.0, in)
	require.Equal(t, 10, res.Glidepath.Day)
	require.False(t, res.GlidepathOn)
	require.InDelta(t, 1.0, res.Scalar, 1e-12)
}

func TestComputeScalarSleeveChangeRestartsGlidepath(t *testing.T) {
	cfg := testRiskCfg()
	res := ComputeScalar(cfg, 2.0, ScaleInputs{
		Snap:        Snapshot{RealizedVol: 0.12, Estimated: true, Regime: RegimeNormal},
		EstimateOK:  true,
		PrevScalar:  0.70,
		Glidepath:   settledGlide("old"),
		SleevesHash: "new",
	})
	require.Equal(t, 1, res.Glidepath.Day)
	require.Equal(t, "new", res.Glidepath.SleevesHash)
	require.InDelta(t, 0.70, res.Glidepath.FromScalar, 1e-12)
	// 0.70 + (1.0−0.70)×1/10
	require.InDelta(t, 0.73, res.Scalar, 1e-12)
}

func TestComputeScalarTotalFailure(t *testing.T) {
	cfg := testRiskCfg()
	res := ComputeScalar(cfg, 2.0, ScaleInputs{EstimateOK: false, PrevScalar: 1.0})
	require.InDelta(t, 0.80, res.Scalar, 1e-12)
	require.True(t, res.Clamped)

	// 首跑叠加完全失败：没有任何依据，仓位归零。
	res = ComputeScalar(cfg, 2.0, ScaleInputs{EstimateOK: false, PrevScalar: 0})
	require.Zero(t, res.Scalar)
}

// 钳制不变式：除首跑外，任意两次相邻 scalar 的相对变化不超过
// [stepDown−1, stepUp−1]。
func TestComputeScalarClampInvariant(t *testing.T) {
	cfg := testRiskCfg()
	vols := []float64{0.10, 0.30, 0.08, 0.50, 0.12, 0.06, 0.40, 0.11, 0.09, 0.22,
		0.35, 0.07, 0.15, 0.60, 0.10, 0.05, 0.28, 0.13, 0.19, 0.45}
	regimes := []Regime{RegimeNormal, RegimeElevated, RegimeCrisis, RegimeRecovery}

	prev := 0.0
	glide := portfolio.GlidepathState{}
	for i, vol := range vols {
		res := ComputeScalar(cfg, 2.0, ScaleInputs{
			Snap:        Snapshot{RealizedVol: vol, Estimated: true, Regime: regimes[i%len(regimes)], CalmStreak: i % 5},
			EstimateOK:  true,
			PrevScalar:  prev,
			Glidepath:   glide,
			SleevesHash: "h1",
		})
		if prev > 0 {
			ratio := res.Scalar / prev
			require.GreaterOrEqual(t, ratio, cfg.ScalarStepDown-1e-12, "run %d", i)
			require.LessOrEqual(t, ratio, cfg.ScalarStepUp+1e-12, "run %d", i)
			require.LessOrEqual(t, math.Abs(res.Scalar-prev)/prev, 0.25+1e-12, "run %d", i)
		}
		prev = res.Scalar
		glide = res.Glidepath
	}
}
