package app

import (
	"context"
	"fmt"
	"strings"

	"ballast/internal/config"
	"ballast/internal/instrument"
	"ballast/internal/logger"
	"ballast/internal/marketdata"
	"ballast/internal/notifier"
	"ballast/internal/returns"
	"ballast/internal/risk"
	"ballast/internal/store"
	opshttp "ballast/internal/transport/http/ops"
	"ballast/internal/venue"
	"ballast/internal/venue/gateway"
	"ballast/internal/venue/paper"
)

// AppBuilder 负责把配置装配成可运行的 App。每个子系统走一个可替换的
// 构造函数，测试按需覆盖而不用碰真实网关。
type AppBuilder struct {
	cfg *config.Config

	venueFn        func(*config.Config, bool) (venue.Venue, error)
	marketSourceFn func(config.MarketConfig) (marketdata.Source, error)
	notifierFn     func(config.NotifyConfig) notifier.TextNotifier

	registryOverride *instrument.Registry
	returnsOverride  *returns.Store
	runsOverride     *store.Store
	forceDryRun      bool
}

type AppBuilderOption func(*AppBuilder)

// WithVenue 注入现成的执行场所，测试与回放用。
func WithVenue(v venue.Venue) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venueFn = func(*config.Config, bool) (venue.Venue, error) { return v, nil }
	}
}

// WithMarketSource 注入基准行情源。
func WithMarketSource(src marketdata.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.marketSourceFn = func(config.MarketConfig) (marketdata.Source, error) { return src, nil }
	}
}

// WithNotifier 注入通知器。
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithRegistry 注入已加载的品种注册表。
func WithRegistry(r *instrument.Registry) AppBuilderOption {
	return func(b *AppBuilder) { b.registryOverride = r }
}

// WithStores 注入收益序列与运行历史存储。
func WithStores(ret *returns.Store, runs *store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.returnsOverride = ret
		b.runsOverride = runs
	}
}

// WithDryRun 强制演练模式（CLI --dry-run），优先级高于配置文件。
func WithDryRun(force bool) AppBuilderOption {
	return func(b *AppBuilder) { b.forceDryRun = force }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:            cfg,
		venueFn:        buildVenue,
		marketSourceFn: buildMarketSource,
		notifierFn:     buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	registry := b.registryOverride
	if registry == nil {
		var err error
		registry, err = instrument.NewRegistry(cfg.Instruments.Path)
		if err != nil {
			return nil, fmt.Errorf("加载品种注册表失败: %w", err)
		}
	}
	snapshot := registry.Snapshot()
	logger.Infof("✓ 品种注册表已加载 version=%d (%d 个品种)", snapshot.Version, len(snapshot.Specs))

	returnsStore := b.returnsOverride
	if returnsStore == nil {
		var err error
		returnsStore, err = returns.NewStore(cfg.Portfolio.ReturnsDBPath)
		if err != nil {
			return nil, fmt.Errorf("打开收益序列库失败: %w", err)
		}
	}
	logger.Infof("✓ 收益序列库 %s", cfg.Portfolio.ReturnsDBPath)

	runsStore := b.runsOverride
	if runsStore == nil {
		var err error
		runsStore, err = store.NewStore(cfg.Store.RunsDBPath)
		if err != nil {
			return nil, fmt.Errorf("打开运行历史库失败: %w", err)
		}
	}
	logger.Infof("✓ 运行历史库 %s", cfg.Store.RunsDBPath)

	source, err := b.marketSourceFn(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("初始化基准行情源失败: %w", err)
	}
	logger.Infof("✓ 基准行情源 %s (benchmark=%s)", source.Name(), cfg.Market.BenchmarkSymbol)

	dryRun := cfg.Venue.DryRun || b.forceDryRun
	ven, err := b.venueFn(cfg, dryRun)
	if err != nil {
		return nil, fmt.Errorf("初始化执行场所失败: %w", err)
	}
	logger.Infof("✓ 执行场所 %s (dry_run=%v)", ven.Name(), dryRun)

	// 演练模式不往外推消息，摘要只落日志。
	var textNotifier notifier.TextNotifier
	if !dryRun {
		textNotifier = b.notifierFn(cfg.Notify)
	}
	if textNotifier != nil {
		logger.Infof("✓ Telegram 运行摘要推送已启用")
	}

	runner := &Runner{
		cfg:       cfg,
		registry:  registry,
		venue:     ven,
		returns:   returnsStore,
		runs:      runsStore,
		estimator: risk.NewEstimator(cfg.Risk, cfg.Market, returnsStore, source),
		notify:    textNotifier,
		dryRun:    dryRun,
	}

	var opsServer *opshttp.Server
	if cfg.App.HTTPOn {
		opsServer, err = opshttp.NewServer(opshttp.ServerConfig{
			Addr:      cfg.App.HTTPAddr,
			Runs:      runsStore,
			StatePath: cfg.Portfolio.StatePath,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 ops HTTP 失败: %w", err)
		}
		logger.Infof("✓ ops HTTP 监听 %s", opsServer.Addr())
	}

	return &App{
		cfg:     cfg,
		runner:  runner,
		opsHTTP: opsServer,
		returns: returnsStore,
		runs:    runsStore,
		Summary: &StartupSummary{
			Env:         cfg.App.Env,
			Venue:       ven.Name(),
			DryRun:      dryRun,
			Benchmark:   cfg.Market.BenchmarkSymbol,
			Sleeves:     cfg.Sleeves,
			Instruments: snapshot.IDs(),
			TargetVol:   cfg.Risk.TargetVolAnnual,
			MaxGross:    cfg.Portfolio.MaxGrossLeverage,
		},
	}, nil
}

// buildVenue 按配置挑选执行场所。演练模式下：配了网关地址就把真实
// 场所包成只读，订单进模拟盘；没配就用纯模拟盘。
func buildVenue(cfg *config.Config, dryRun bool) (venue.Venue, error) {
	if !dryRun {
		return gateway.New(cfg.Venue)
	}
	if strings.TrimSpace(cfg.Venue.APIURL) != "" {
		real, err := gateway.New(cfg.Venue)
		if err != nil {
			return nil, err
		}
		logger.Infof("dry-run：持仓/行情走真实场所，订单进模拟盘")
		return paper.NewOverlay(real), nil
	}
	cash := cfg.Venue.PaperCash
	if cash <= 0 {
		cash = 1_000_000
	}
	return paper.New(cash), nil
}

func buildMarketSource(cfg config.MarketConfig) (marketdata.Source, error) {
	name := strings.TrimSpace(cfg.ActiveSource)
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		if name != "" && !strings.EqualFold(strings.TrimSpace(src.Name), name) {
			continue
		}
		return marketdata.NewBinanceSource(src)
	}
	return nil, fmt.Errorf("market.active_source=%q 没有匹配到可用数据源", cfg.ActiveSource)
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}
