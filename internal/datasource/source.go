// Package datasource 提供 K 线的远端拉取与本地文件导入，
// 并负责在回测前把缓存缺口补齐。
package datasource

import (
	"context"

	"backplay/internal/market"
)

// FetchRequest 描述一次远端 K 线请求。
type FetchRequest struct {
	Symbol   string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms（可选；0 表示不限制）
	Limit    int
	// Mark 为真时拉取标记价 K 线而非成交价 K 线。
	Mark bool
}

// Source 统一不同数据来源的拉取行为。
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
	Name() string
}
