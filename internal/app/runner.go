package app

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ballast/internal/config"
	"ballast/internal/instrument"
	"ballast/internal/logger"
	"ballast/internal/notifier"
	"ballast/internal/portfolio"
	"ballast/internal/reconcile"
	"ballast/internal/report"
	"ballast/internal/returns"
	"ballast/internal/risk"
	"ballast/internal/store"
	"ballast/internal/venue"
	"ballast/internal/weights"
)

// Runner 把一次完整的调仓运行串起来：
// 锁 → 持仓同步 → 行情 → NAV/收益 → 风险估计 → scalar → 权重 → 对账 → 落盘。
type Runner struct {
	cfg       *config.Config
	registry  *instrument.Registry
	venue     venue.Venue
	returns   *returns.Store
	runs      *store.Store
	estimator *risk.Estimator
	notify    notifier.TextNotifier
	dryRun    bool
	nowFn     func() time.Time
}

// RunResult 供 CLI 打印摘要并决定退出码。
type RunResult struct {
	RunID     string
	NAV       float64
	Scalar    float64
	Regime    string
	Partial   bool
	DryRun    bool
	Submitted int
	Filled    int
	Skipped   int
}

// quoteTarget 是行情预取的一个条目：品种、场所代码与合约乘数。
type quoteTarget struct {
	id         string
	symbol     string
	multiplier float64
}

func (r *Runner) now() time.Time {
	if r.nowFn == nil {
		return time.Now()
	}
	return r.nowFn()
}

// RunOnce 执行一次调仓。返回 error 表示运行被中止（锁、同步、估值或
// 卖出阶段传输失败），部分成交不算失败，由 Partial 标记。
func (r *Runner) RunOnce(ctx context.Context) (RunResult, error) {
	runID := uuid.NewString()
	startedAt := r.now().UTC()
	logger.Infof("========== 调仓运行 %s 开始 (dry_run=%v venue=%s) ==========", runID, r.dryRun, r.venue.Name())

	release, err := portfolio.AcquireRunLock(r.cfg.Portfolio.StatePath + ".lock")
	if err != nil {
		return RunResult{RunID: runID}, err
	}
	defer release()

	snapshot := r.registry.Snapshot()
	specs := snapshot.Specs
	logger.Infof("✓ 品种注册表 version=%d，共 %d 个品种", snapshot.Version, len(specs))

	prev, err := portfolio.LoadState(r.cfg.Portfolio.StatePath)
	if err != nil {
		return r.abort(runID, startedAt, 0, err)
	}
	firstRun := prev == nil
	if firstRun {
		prev = &portfolio.State{}
		logger.Infof("首次运行：无历史状态，burn-in 从零开始")
	}

	book, err := r.syncBook(ctx, specs)
	if err != nil {
		return r.abort(runID, startedAt, 0, fmt.Errorf("同步场所持仓失败: %w", err))
	}

	quotes := r.prefetchQuotes(ctx, specs, book)
	marks := buildMarks(quotes, specs)

	nav, err := book.NAV(marks)
	if err != nil {
		return r.abort(runID, startedAt, 0, fmt.Errorf("NAV 估值不完整，中止调仓: %w", err))
	}
	peak := math.Max(prev.PeakNAV, nav)
	var drawdown float64
	if peak > 0 && nav < peak {
		drawdown = 1 - nav/peak
	}
	logger.Infof("✓ NAV=%.2f cash=%.2f 持仓=%d 回撤=%.2f%%", nav, book.Cash(), len(book.Positions()), drawdown*100)

	dailyReturn := r.recordDailyReturn(ctx, startedAt, firstRun, prev.NAV, nav)

	snap := r.estimator.Estimate(ctx, prev.Risk, drawdown)
	scale := risk.ComputeScalar(r.cfg.Risk, r.cfg.Portfolio.MaxGrossLeverage, risk.ScaleInputs{
		Snap:        snap,
		EstimateOK:  snap.RealizedVol > 0,
		PrevScalar:  prev.Risk.Scalar,
		Glidepath:   prev.Glidepath,
		SleevesHash: r.cfg.SleevesFingerprint(),
	})
	logger.Infof("✓ scalar=%.4f (raw=%.4f regime=%s factor=%.2f clamped=%v glidepath=%v)",
		scale.Scalar, scale.Raw, snap.Regime, scale.RegimeFactor, scale.Clamped, scale.GlidepathOn)

	targets := weights.Build(r.cfg.Sleeves, scale.Scalar, specs,
		r.cfg.Portfolio.InstrumentCapPct, r.cfg.Portfolio.MaxGrossLeverage)
	logger.Infof("✓ 目标权重 %d 个品种，gross=%.3f，缺漏 %d 条", len(targets.Weights), targets.Gross, len(targets.Omissions))

	rec := store.RunRecord{
		RunID:       runID,
		StartedAt:   startedAt,
		DryRun:      r.dryRun,
		NAV:         nav,
		Cash:        book.Cash(),
		DailyReturn: dailyReturn,
		Scalar:      scale.Scalar,
		RawScalar:   scale.Raw,
		Regime:      string(snap.Regime),
		RealizedVol: snap.RealizedVol,
		ProxyVolPct: snap.ProxyVolPct,
		Drawdown:    drawdown,
		Gross:       targets.Gross,
		Omissions:   toOmissionRecords(targets.Omissions),
	}

	reconciler := reconcile.New(r.venue, reconcile.Config{
		MinNotional:  r.cfg.Reconcile.MinNotionalUSD,
		SlippageBps:  r.cfg.Reconcile.SlippageBps,
		FillWait:     time.Duration(r.cfg.Venue.FillWaitSeconds) * time.Second,
		PollInterval: time.Duration(r.cfg.Venue.PollSeconds) * time.Second,
	})
	summary, err := reconciler.Run(ctx, book, targets, specs, quotes, nav)
	if err != nil {
		rec.Error = err.Error()
		rec.Partial = summary.Partial
		// 中止也要把已知的持仓/NAV 落盘，已成交的卖出不能丢。
		if !r.dryRun {
			if saveErr := r.persistState(book, nav, peak, snap, scale, startedAt); saveErr != nil {
				logger.Errorf("中止后状态落盘失败: %v", saveErr)
			}
		}
		r.persistRun(rec, summary, startedAt)
		r.sendSummary(rec, summary)
		return RunResult{RunID: runID, NAV: nav, Partial: summary.Partial, DryRun: r.dryRun}, fmt.Errorf("对账执行失败: %w", err)
	}

	rec.Success = true
	rec.Partial = summary.Partial
	rec.Submitted = len(summary.Submitted)
	rec.Filled = summary.FilledCount()
	rec.Skipped = len(summary.Skipped)

	if !r.dryRun {
		if err := r.persistState(book, nav, peak, snap, scale, startedAt); err != nil {
			rec.Error = err.Error()
			r.persistRun(rec, summary, startedAt)
			return RunResult{RunID: runID, NAV: nav}, fmt.Errorf("状态落盘失败: %w", err)
		}
	} else {
		logger.Infof("dry-run：跳过状态落盘与收益记录")
	}

	r.persistRun(rec, summary, startedAt)
	r.sendSummary(rec, summary)
	r.refreshReport(ctx)

	logger.Infof("========== 调仓运行 %s 结束 (submitted=%d filled=%d skipped=%d partial=%v) ==========",
		runID, rec.Submitted, rec.Filled, rec.Skipped, summary.Partial)
	return RunResult{
		RunID:     runID,
		NAV:       nav,
		Scalar:    scale.Scalar,
		Regime:    string(snap.Regime),
		Partial:   summary.Partial,
		DryRun:    r.dryRun,
		Submitted: rec.Submitted,
		Filled:    rec.Filled,
		Skipped:   rec.Skipped,
	}, nil
}

// persistState 把本次运行的簿记与风险快照原子落盘。
func (r *Runner) persistState(book *portfolio.Book, nav, peak float64, snap risk.Snapshot, scale risk.ScaleResult, startedAt time.Time) error {
	state := &portfolio.State{
		Positions: book.Positions(),
		Cash:      book.Cash(),
		NAV:       nav,
		PeakNAV:   peak,
		Risk: portfolio.RiskState{
			Scalar:     scale.Scalar,
			Regime:     string(snap.Regime),
			BurnInDays: snap.BurnInDays,
			CalmStreak: snap.CalmStreak,
			InRecovery: snap.InRecovery,
		},
		Glidepath: scale.Glidepath,
		Timestamp: startedAt,
	}
	return portfolio.SaveState(r.cfg.Portfolio.StatePath, state)
}

// abort 在管道中途失败时统一收尾：记历史、发通知、返回错误。
func (r *Runner) abort(runID string, startedAt time.Time, nav float64, err error) (RunResult, error) {
	logger.Errorf("调仓运行 %s 中止: %v", runID, err)
	rec := store.RunRecord{
		RunID:     runID,
		StartedAt: startedAt,
		DryRun:    r.dryRun,
		NAV:       nav,
		Error:     err.Error(),
	}
	r.persistRun(rec, reconcile.Summary{}, startedAt)
	r.sendSummary(rec, reconcile.Summary{})
	return RunResult{RunID: runID, NAV: nav, DryRun: r.dryRun}, err
}

// syncBook 用场所持仓整体替换本地簿记。未登记的品种照常记账，
// 只是后续不会被交易。
func (r *Runner) syncBook(ctx context.Context, specs map[string]instrument.Spec) (*portfolio.Book, error) {
	venuePositions, err := r.venue.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	account, err := r.venue.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	symbolToID := make(map[string]string, len(specs))
	for id, sp := range specs {
		symbolToID[strings.ToUpper(sp.Symbol)] = id
	}

	positions := make([]portfolio.Position, 0, len(venuePositions))
	for _, vp := range venuePositions {
		if vp.Quantity == 0 {
			continue
		}
		id, ok := symbolToID[strings.ToUpper(vp.Symbol)]
		if !ok {
			id = vp.Symbol
			logger.Warnf("场所持仓 %s 不在品种注册表中，仅记账估值，不参与调仓", vp.Symbol)
		}
		positions = append(positions, portfolio.Position{
			InstrumentID: id,
			Quantity:     vp.Quantity,
			AvgCost:      vp.AvgCost,
			Currency:     vp.Currency,
		})
	}

	book := portfolio.NewBook(r.cfg.Portfolio.BaseCurrency)
	book.ReplaceAll(positions, account.Cash)
	logger.Infof("✓ 场所同步完成：%d 笔持仓，现金 %.2f %s", len(positions), account.Cash, account.Currency)
	return book, nil
}

// prefetchQuotes 并发拉取调仓宇宙（分仓腿 ∪ 当前持仓）的行情。
// 单个品种失败只告警，由后续环节按缺行情跳过或中止。
func (r *Runner) prefetchQuotes(ctx context.Context, specs map[string]instrument.Spec, book *portfolio.Book) map[string]venue.Quote {
	targets := make(map[string]quoteTarget)
	for _, sleeve := range r.cfg.Sleeves {
		for _, leg := range sleeve.Legs {
			if sp, ok := specs[leg.Instrument]; ok {
				targets[leg.Instrument] = quoteTarget{id: leg.Instrument, symbol: sp.Symbol, multiplier: sp.Multiplier}
			}
		}
	}
	for _, pos := range book.Positions() {
		if _, seen := targets[pos.InstrumentID]; seen {
			continue
		}
		if sp, ok := specs[pos.InstrumentID]; ok {
			targets[pos.InstrumentID] = quoteTarget{id: pos.InstrumentID, symbol: sp.Symbol, multiplier: sp.Multiplier}
		} else {
			// 注册表外的持仓直接拿符号询价，乘数按 1 处理。
			targets[pos.InstrumentID] = quoteTarget{id: pos.InstrumentID, symbol: pos.InstrumentID, multiplier: 1}
		}
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	quotes := make(map[string]venue.Quote, len(ids))
	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(4)
	for _, id := range ids {
		qt := targets[id]
		eg.Go(func() error {
			q, err := r.venue.GetQuote(ctx, qt.symbol)
			if err != nil {
				logger.Warnf("行情 %s 获取失败: %v", qt.symbol, err)
				return nil
			}
			mu.Lock()
			quotes[qt.id] = q
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	logger.Infof("✓ 行情预取 %d/%d", len(quotes), len(ids))
	return quotes
}

// recordDailyReturn 在运行开始时把昨日收益补进序列，按日期幂等。
func (r *Runner) recordDailyReturn(ctx context.Context, startedAt time.Time, firstRun bool, prevNAV, nav float64) float64 {
	if firstRun || prevNAV <= 0 {
		return 0
	}
	ret := nav/prevNAV - 1
	if r.dryRun {
		return ret
	}
	rec := returns.Record{
		Date:   startedAt.Format(time.DateOnly),
		Return: ret,
		NAV:    nav,
	}
	if err := r.returns.Append(ctx, rec); err != nil {
		logger.Warnf("记录日收益失败（窗口少一天，估计器自行降级）: %v", err)
		return ret
	}
	logger.Infof("✓ 日收益 %s %+.4f%%", rec.Date, ret*100)
	return ret
}

// persistRun 把运行摘要与订单终局写进历史库，失败不致命。
func (r *Runner) persistRun(rec store.RunRecord, summary reconcile.Summary, startedAt time.Time) {
	if r.runs == nil {
		return
	}
	rec.FinishedAt = r.now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = startedAt
	}
	orders := make([]store.OrderRecord, 0, len(summary.Submitted)+len(summary.Skipped))
	for _, o := range summary.Submitted {
		orders = append(orders, store.OrderRecord{
			ClientOrderID: o.Order.ClientOrderID,
			VenueOrderID:  o.Status.VenueOrderID,
			InstrumentID:  o.Order.InstrumentID,
			Symbol:        o.Order.Symbol,
			Side:          string(o.Order.Side),
			Quantity:      o.Order.Quantity,
			LimitPrice:    o.Order.LimitPrice,
			FilledQty:     o.Status.FilledQty,
			AvgFillPrice:  o.Status.AvgFillPrice,
			State:         string(o.Status.State),
			Reason:        o.Status.Reason,
			SleeveTag:     o.Order.SleeveTag,
			Replaced:      o.Replaced,
			TimedOut:      o.TimedOut,
			SubmittedAt:   o.Status.UpdatedAt,
		})
	}
	for _, s := range summary.Skipped {
		orders = append(orders, store.OrderRecord{
			InstrumentID: s.InstrumentID,
			Side:         string(s.Side),
			Quantity:     s.Quantity,
			State:        "skipped",
			Reason:       s.Reason,
			SleeveTag:    s.Sleeve,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.runs.SaveRun(ctx, rec, orders); err != nil {
		logger.Errorf("写运行历史失败: %v", err)
	}
}

// sendSummary 推送运行摘要，通知失败只告警。未配置通知时摘要落日志。
func (r *Runner) sendSummary(rec store.RunRecord, summary reconcile.Summary) {
	msg := notifier.RunMessage{
		Date:        rec.StartedAt,
		DryRun:      rec.DryRun,
		Partial:     rec.Partial,
		Err:         rec.Error,
		NAV:         rec.NAV,
		DailyReturn: rec.DailyReturn,
		Drawdown:    rec.Drawdown,
		Scalar:      rec.Scalar,
		Regime:      rec.Regime,
		RealizedVol: rec.RealizedVol,
		Gross:       rec.Gross,
		Submitted:   len(summary.Submitted),
		Filled:      summary.FilledCount(),
		Skipped:     len(summary.Skipped),
	}
	for _, o := range summary.Submitted {
		if o.Status.FilledQty <= 0 && o.Status.State != venue.StateFilled {
			continue
		}
		price := o.Status.AvgFillPrice
		if price <= 0 {
			price = o.Order.LimitPrice
		}
		msg.Fills = append(msg.Fills, notifier.FillLine{
			Instrument: o.Order.InstrumentID,
			Side:       string(o.Order.Side),
			Quantity:   o.Order.Quantity,
			Price:      price,
		})
	}
	for _, om := range rec.Omissions {
		msg.Omissions = append(msg.Omissions, fmt.Sprintf("%s/%s: %s", om.Sleeve, om.Instrument, om.Reason))
	}
	if r.notify == nil {
		logger.InfoBlock(msg.RenderText())
		return
	}
	if err := r.notify.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("推送运行摘要失败: %v", err)
	}
}

// refreshReport 重建报表页，dry-run 不计入序列所以也无需刷新。
func (r *Runner) refreshReport(ctx context.Context) {
	dir := strings.TrimSpace(r.cfg.Store.ReportDir)
	if dir == "" || r.runs == nil || r.dryRun {
		return
	}
	points, err := r.runs.NAVSeries(ctx, 0)
	if err != nil {
		logger.Warnf("读取 NAV 序列失败，跳过报表: %v", err)
		return
	}
	if len(points) == 0 {
		return
	}
	path, err := report.WriteFile(dir, points)
	if err != nil {
		logger.Warnf("写报表失败: %v", err)
		return
	}
	logger.Infof("✓ 报表已更新: %s", path)
}

// buildMarks 把行情换算成估值标记，缺行情的品种不会出现在结果里。
func buildMarks(quotes map[string]venue.Quote, specs map[string]instrument.Spec) map[string]portfolio.Mark {
	marks := make(map[string]portfolio.Mark, len(quotes))
	for id, q := range quotes {
		mult := 1.0
		if sp, ok := specs[id]; ok && sp.Multiplier > 0 {
			mult = sp.Multiplier
		}
		marks[id] = portfolio.Mark{Price: q.Mid(), Multiplier: mult}
	}
	return marks
}

func toOmissionRecords(omissions []weights.Omission) []store.OmissionRecord {
	if len(omissions) == 0 {
		return nil
	}
	out := make([]store.OmissionRecord, 0, len(omissions))
	for _, o := range omissions {
		out = append(out, store.OmissionRecord{Sleeve: o.Sleeve, Instrument: o.Instrument, Reason: o.Reason})
	}
	return out
}
