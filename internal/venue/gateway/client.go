package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ballast/internal/config"
	"ballast/internal/pkg/convert"
)

// Client wraps the brokerage gateway REST API used by ballast.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	username   string
	password   string
	token      string
}

var errOrderNotFound = errors.New("gateway order not found")

// NewClient constructs a gateway client from configuration.
func NewClient(cfg config.VenueConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, fmt.Errorf("venue.api_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 venue.api_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		} else {
			transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		}
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		username:   strings.TrimSpace(cfg.Username),
		password:   strings.TrimSpace(cfg.Password),
		token:      strings.TrimSpace(cfg.APIToken),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// flexFloat 容忍网关把数字编码成字符串，老版本网关有这毛病。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(convert.ToFloat64(v))
	return nil
}

// positionRecord mirrors the gateway /positions schema.
type positionRecord struct {
	Symbol    string    `json:"symbol"`
	Quantity  flexFloat `json:"quantity"`
	AvgCost   flexFloat `json:"avg_cost"`
	Currency  string    `json:"currency"`
	UpdatedAt int64     `json:"updated_at"`
}

type accountRecord struct {
	Cash      flexFloat `json:"cash"`
	Currency  string    `json:"currency"`
	UpdatedAt int64     `json:"updated_at"`
}

type quoteRecord struct {
	Symbol    string    `json:"symbol"`
	Last      flexFloat `json:"last"`
	Bid       flexFloat `json:"bid"`
	Ask       flexFloat `json:"ask"`
	UpdatedAt int64     `json:"updated_at"`
}

// orderPayload mirrors the gateway POST /orders schema.
type orderPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	LimitPrice    float64 `json:"limit_price"`
	TimeInForce   string  `json:"time_in_force,omitempty"`
	Tag           string  `json:"tag,omitempty"`
}

func (c *Client) fetchPositions(ctx context.Context) ([]positionRecord, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/positions", nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	var records []positionRecord
	if err := json.Unmarshal(raw, &records); err == nil {
		return records, nil
	}
	// 有的网关版本包一层信封
	type envelope struct {
		Positions []positionRecord `json:"positions"`
		Data      []positionRecord `json:"data"`
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("无法解析 gateway positions 响应: %w", err)
	}
	if len(env.Positions) > 0 {
		return env.Positions, nil
	}
	return env.Data, nil
}

func (c *Client) fetchAccount(ctx context.Context) (accountRecord, error) {
	var rec accountRecord
	if err := c.doRequest(ctx, http.MethodGet, "/account", nil, &rec); err != nil {
		return accountRecord{}, err
	}
	return rec, nil
}

func (c *Client) fetchQuote(ctx context.Context, symbol string) (quoteRecord, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return quoteRecord{}, fmt.Errorf("symbol 必填")
	}
	var rec quoteRecord
	path := "/quotes?symbol=" + url.QueryEscape(symbol)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return quoteRecord{}, err
	}
	if rec.Symbol == "" {
		rec.Symbol = symbol
	}
	return rec, nil
}

func (c *Client) submitOrder(ctx context.Context, payload orderPayload) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodPost, "/orders", payload, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) fetchOrder(ctx context.Context, venueOrderID string) (json.RawMessage, error) {
	venueOrderID = strings.TrimSpace(venueOrderID)
	if venueOrderID == "" {
		return nil, fmt.Errorf("order_id 必填")
	}
	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, "/orders/"+url.PathEscape(venueOrderID), nil, &raw); err != nil {
		if strings.Contains(err.Error(), "404") {
			return nil, errOrderNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (c *Client) cancelOrder(ctx context.Context, venueOrderID string) error {
	venueOrderID = strings.TrimSpace(venueOrderID)
	if venueOrderID == "" {
		return fmt.Errorf("order_id 必填")
	}
	return c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(venueOrderID), nil, nil)
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("gateway client 未初始化")
	}
	endpoint, err := c.resolveEndpoint(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("调用 gateway 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) == 0 {
			return fmt.Errorf("gateway 返回错误: %s", resp.Status)
		}
		return fmt.Errorf("gateway 返回错误(%s): %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 gateway 响应失败: %w", err)
	}
	return nil
}

func (c *Client) resolveEndpoint(path string) (*url.URL, error) {
	if c.baseURL == nil {
		return nil, fmt.Errorf("gateway API 地址未设置")
	}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "/"
	}
	query := ""
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		query = trimmed[idx+1:]
		trimmed = trimmed[:idx]
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + trimmed
	base.RawPath = ""
	base.RawQuery = query
	base.Fragment = ""
	return &base, nil
}
