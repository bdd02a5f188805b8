package binance

import (
	"strings"
	"time"
)

type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	APIKey      string
	APISecret   string
	QuoteAsset  string

	ProxyEnabled bool
	RESTProxyURL string

	// Precision per asset; assets not listed use the default rounding.
	Precision map[string]Precision
}

// Precision 下单价格与数量的小数位。
type Precision struct {
	Price    int
	Quantity int
}

var defaultPrecision = Precision{Price: 4, Quantity: 2}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.QuoteAsset = strings.ToUpper(strings.TrimSpace(out.QuoteAsset))
	if out.QuoteAsset == "" {
		out.QuoteAsset = "USDT"
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	return out
}

func (c Config) precisionFor(asset string) Precision {
	if p, ok := c.Precision[strings.ToUpper(asset)]; ok {
		return p
	}
	return defaultPrecision
}
