package datasource

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"backplay/internal/market"
)

// CSVSource 从本地 CSV 文件导入 K 线，用于离线数据或第三方导出。
// 首行为列头，至少包含 open_time,open,high,low,close,volume；
// close_time 缺省按 interval 推出；trades 可选。
type CSVSource struct {
	path string
}

// NewCSVSource 创建 CSV 数据源。
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

func (c *CSVSource) Name() string { return "csv" }

// Fetch 读取文件并按请求区间过滤。Limit 为 0 时不限制。
func (c *CSVSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	if req.Mark {
		return nil, fmt.Errorf("csv: 数据源没有标记价 K 线")
	}
	tf, err := market.ParseTimeframe(req.Interval)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("csv: 打开 %s 失败: %w", c.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csv: 读取列头失败: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"open_time", "open", "high", "low", "close", "volume"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv: 缺少列 %q", required)
		}
	}

	step := tf.DurationMillis()
	var out []market.Candle
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: 解析失败: %w", err)
		}
		candle := market.Candle{
			OpenTime: parseInt(record[col["open_time"]]),
			Open:     parseFloat(record[col["open"]]),
			High:     parseFloat(record[col["high"]]),
			Low:      parseFloat(record[col["low"]]),
			Close:    parseFloat(record[col["close"]]),
			Volume:   parseFloat(record[col["volume"]]),
		}
		if idx, ok := col["close_time"]; ok {
			candle.CloseTime = parseInt(record[idx])
		} else {
			candle.CloseTime = candle.OpenTime + step - 1
		}
		if idx, ok := col["trades"]; ok {
			candle.Trades = parseInt(record[idx])
		}
		if req.Start > 0 && candle.OpenTime < req.Start {
			continue
		}
		if req.End > 0 && candle.OpenTime > req.End {
			continue
		}
		out = append(out, candle)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

func parseInt(v string) int64 {
	i, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	return i
}
