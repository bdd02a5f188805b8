package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/market"
	"tokenguard/internal/scheduler"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const maxHistoryLimit = 1500

// Client 基于 go-binance SDK 实现 exchange.Exchange（U 本位合约）。
type Client struct {
	cfg    Config
	client *futures.Client
}

var _ exchange.Exchange = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Client{cfg: final, client: client}, nil
}

func (c *Client) Name() string { return "binance" }

func (c *Client) pair(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset)) + c.cfg.QuoteAsset
}

func (c *Client) assetOf(pair string) string {
	return strings.TrimSuffix(strings.ToUpper(pair), c.cfg.QuoteAsset)
}

func (c *Client) LatestPrice(ctx context.Context, asset string) (float64, error) {
	prices, err := c.client.NewListPricesService().Symbol(c.pair(asset)).Do(ctx)
	if err != nil {
		return 0, wrapErr("latest price", err)
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		if v := parseFloat(p.Price); v > 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("binance 未返回 %s 价格", c.pair(asset))
}

func (c *Client) FetchHistory(ctx context.Context, asset, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := c.client.NewKlinesService().Symbol(c.pair(asset)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, wrapErr("klines", err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

// PlaceOrder 提交 IOC 限价单。Quantity 为 0 时按 Notional/Price 折算并按精度截断。
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if req.Price <= 0 {
		return nil, fmt.Errorf("order price must be > 0")
	}
	prec := c.cfg.precisionFor(req.Asset)
	price := RoundPrice(req.Price, prec.Price)
	qty := decimal.NewFromFloat(req.Quantity)
	if req.Quantity <= 0 {
		qty = QuantityForNotional(req.Notional, req.Price, prec.Quantity)
	} else {
		qty = qty.Truncate(int32(prec.Quantity))
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("order quantity rounds to zero (notional=%.4f price=%.4f)", req.Notional, req.Price)
	}
	side := futures.SideTypeBuy
	if req.Side == exchange.SideSell {
		side = futures.SideTypeSell
	}
	svc := c.client.NewCreateOrderService().
		Symbol(c.pair(req.Asset)).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeIOC).
		Quantity(qty.String()).
		Price(price.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapErr("create order", err)
	}
	res := &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        string(resp.Status),
		ExecutedQty:   parseFloat(resp.ExecutedQuantity),
		AvgPrice:      parseFloat(resp.AvgPrice),
		UpdatedAt:     time.UnixMilli(resp.UpdateTime),
	}
	if !res.Filled() {
		return res, exchange.ErrNotFilled
	}
	return res, nil
}

func (c *Client) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	risks, err := c.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, wrapErr("position risk", err)
	}
	now := time.Now()
	out := make([]exchange.Position, 0, len(risks))
	for _, r := range risks {
		if r == nil || !strings.HasSuffix(strings.ToUpper(r.Symbol), c.cfg.QuoteAsset) {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		out = append(out, exchange.Position{
			Asset:      c.assetOf(r.Symbol),
			Side:       side,
			Amount:     amt,
			EntryPrice: parseFloat(r.EntryPrice),
			MarkPrice:  parseFloat(r.MarkPrice),
			Leverage:   parseFloat(r.Leverage),
			UpdatedAt:  now,
		})
	}
	return out, nil
}

// SetLeverage 启动时设置杠杆；失败不影响后续下单。
func (c *Client) SetLeverage(ctx context.Context, asset string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	_, err := c.client.NewChangeLeverageService().Symbol(c.pair(asset)).Leverage(leverage).Do(ctx)
	return wrapErr("change leverage", err)
}

// RoundPrice rounds half away from zero to the venue tick precision.
func RoundPrice(price float64, places int) decimal.Decimal {
	return decimal.NewFromFloat(price).Round(int32(places))
}

// QuantityForNotional converts a quote amount to base quantity, truncated so the
// order never exceeds the requested notional.
func QuantityForNotional(notional, price float64, places int) decimal.Decimal {
	if notional <= 0 || price <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price)).Truncate(int32(places))
}

// rate limit codes: -1003 too many requests / IP ban, -1015 too many orders.
var rateLimitCodes = map[int64]struct{}{-1003: {}, -1015: {}}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRateLimit(err) {
		return fmt.Errorf("binance %s: %w: %v", op, exchange.ErrRateLimited, err)
	}
	return fmt.Errorf("binance %s: %w", op, err)
}

// IsRateLimit reports whether err is a Binance rate-limit rejection.
func IsRateLimit(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if _, ok := rateLimitCodes[apiErr.Code]; ok {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
