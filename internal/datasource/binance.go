package datasource

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"backplay/internal/market"
)

const maxKlineLimit = 1500

// BinanceSource 基于 go-binance SDK 读取 USDT 本位合约 K 线。
type BinanceSource struct {
	client *futures.Client
}

// NewBinanceSource 创建公共行情客户端（无需 API key）。
func NewBinanceSource(baseURL string, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(baseURL); base != "" {
		client.BaseURL = base
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

// Fetch 拉取一批 K 线。未收盘的最后一根由调用方按 close_time 过滤。
func (b *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("binance: symbol/interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = 1000
	}
	var kls []*futures.Kline
	var err error
	if req.Mark {
		svc := b.client.NewMarkPriceKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if req.Start > 0 {
			svc = svc.StartTime(req.Start)
		}
		if req.End > 0 {
			svc = svc.EndTime(req.End)
		}
		kls, err = svc.Do(ctx)
	} else {
		svc := b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if req.Start > 0 {
			svc = svc.StartTime(req.Start)
		}
		if req.End > 0 {
			svc = svc.EndTime(req.End)
		}
		kls, err = svc.Do(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("binance: 拉取 %s@%s 失败: %w", symbol, interval, err)
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
	return out, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
