package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"ballast/internal/config"
	"ballast/internal/logger"
	"ballast/internal/pkg/convert"
)

const (
	defaultBinanceTimeout = 15 * time.Second
	// Binance 单次请求最多返回 1500 根。
	maxKlineLimit = 1500
	dailyInterval = "1d"
)

// BinanceSource 从币安合约行情拉取基准日线，只读接口，无需 API key。
type BinanceSource struct {
	name   string
	client *futures.Client
}

// NewBinanceSource 按配置构建行情客户端。
func NewBinanceSource(cfg config.MarketSource) (*BinanceSource, error) {
	timeout := defaultBinanceTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if proxy := strings.TrimSpace(cfg.Proxy.RESTURL); cfg.Proxy.Enabled && proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("解析行情代理地址失败: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("默认 HTTP transport 类型异常，无法配置代理")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
		logger.Infof("行情源 %s 使用代理 %s", cfg.Name, proxy)
	}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if base := strings.TrimSpace(cfg.RESTBaseURL); base != "" {
		client.BaseURL = base
	}

	return &BinanceSource{name: cfg.Name, client: client}, nil
}

func (s *BinanceSource) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// FetchDailyCloses 拉取最近 limit 根已收盘日线。
// 币安会把未收盘的当日 K 线一并返回，这里丢掉它，
// 否则半根蜡烛会污染波动率与动量的输入。
func (s *BinanceSource) FetchDailyCloses(ctx context.Context, symbol string, limit int) ([]DailyClose, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("行情源未初始化")
	}
	cleanSymbol := strings.ToUpper(strings.TrimSpace(symbol))
	if cleanSymbol == "" {
		return nil, fmt.Errorf("基准 symbol 不能为空")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit 必须为正数, got %d", limit)
	}
	// 多取一根，丢掉未收盘蜡烛后仍能凑满 limit。
	fetch := limit + 1
	if fetch > maxKlineLimit {
		fetch = maxKlineLimit
	}

	klines, err := s.client.NewKlinesService().
		Symbol(cleanSymbol).
		Interval(dailyInterval).
		Limit(fetch).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("拉取 %s 日线失败: %w", cleanSymbol, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("行情源没有返回 %s 的任何日线", cleanSymbol)
	}

	nowMs := time.Now().UnixMilli()
	out := make([]DailyClose, 0, len(klines))
	for _, kl := range klines {
		if kl == nil {
			continue
		}
		if kl.CloseTime > nowMs {
			continue
		}
		price := convert.ToFloat64(kl.Close)
		if price <= 0 {
			logger.Warnf("跳过 %s 的异常收盘价 %q", cleanSymbol, kl.Close)
			continue
		}
		out = append(out, DailyClose{
			Date:  time.UnixMilli(kl.CloseTime).UTC(),
			Price: price,
		})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("过滤后 %s 没有可用日线", cleanSymbol)
	}
	return out, nil
}
