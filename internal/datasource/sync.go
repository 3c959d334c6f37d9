package datasource

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"backplay/internal/datastore"
	"backplay/internal/logger"
	"backplay/internal/market"
)

// Syncer 负责把本地缓存补齐到目标区间：检查缺口、分页拉取、写库。
type Syncer struct {
	store    *datastore.Store
	source   Source
	batch    int
	parallel int
}

// NewSyncer 创建同步器。batch 为单次请求的最大根数。
func NewSyncer(store *datastore.Store, source Source, batch, parallel int) (*Syncer, error) {
	if store == nil {
		return nil, fmt.Errorf("datasource: store 不能为空")
	}
	if source == nil {
		return nil, fmt.Errorf("datasource: source 不能为空")
	}
	if batch <= 0 || batch > maxKlineLimit {
		batch = 1000
	}
	if parallel <= 0 {
		parallel = 2
	}
	return &Syncer{store: store, source: source, batch: batch, parallel: parallel}, nil
}

// EnsureRange 保证单个 symbol@timeframe 在 [start, end] 内无缺口。
// 已完整时不发任何远端请求。
func (s *Syncer) EnsureRange(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) error {
	return s.ensureRange(ctx, symbol, tf, start, end, false)
}

func (s *Syncer) ensureRange(ctx context.Context, symbol string, tf market.Timeframe, start, end int64, mark bool) error {
	start, end = tf.AlignRange(start, end)
	report, err := s.store.CheckIntegrity(ctx, symbol, tf, start, end)
	if err != nil {
		return err
	}
	if report.Complete() {
		return nil
	}
	logger.Infof("[sync] %s@%s 缺 %d 段缺口，开始补齐", symbol, tf.Key, len(report.Gaps))
	for _, gap := range report.Gaps {
		if err := s.fillGap(ctx, symbol, tf, gap, mark); err != nil {
			return fmt.Errorf("补齐 %s@%s [%d, %d] 失败: %w", symbol, tf.Key, gap.Start, gap.End, err)
		}
	}
	report, err = s.store.CheckIntegrity(ctx, symbol, tf, start, end)
	if err != nil {
		return err
	}
	if !report.Complete() {
		return fmt.Errorf("%s@%s 补齐后仍有 %d 段缺口（交易所可能没有该段历史）", symbol, tf.Key, len(report.Gaps))
	}
	return nil
}

func (s *Syncer) fillGap(ctx context.Context, symbol string, tf market.Timeframe, gap datastore.Gap, mark bool) error {
	step := tf.DurationMillis()
	interval := tf.SourceInterval
	if interval == "" {
		interval = tf.Key
	}
	cursor := gap.Start
	for cursor <= gap.End {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		candles, err := s.source.Fetch(ctx, FetchRequest{
			Symbol:   symbol,
			Interval: interval,
			Start:    cursor,
			End:      gap.End + step - 1,
			Limit:    s.batch,
			Mark:     mark,
		})
		if err != nil {
			return err
		}
		candles = dropUnclosed(candles)
		if len(candles) == 0 {
			return fmt.Errorf("数据源对 open_time>=%d 无返回", cursor)
		}
		if _, err := s.store.InsertCandles(ctx, symbol, tf.Key, candles); err != nil {
			return err
		}
		last := candles[len(candles)-1].OpenTime
		if last < cursor {
			return fmt.Errorf("数据源返回了 %d 之前的数据", cursor)
		}
		cursor = last + step
	}
	return nil
}

// dropUnclosed 丢掉还没收盘的最后一根。
func dropUnclosed(candles []market.Candle) []market.Candle {
	now := time.Now().UnixMilli()
	for len(candles) > 0 && candles[len(candles)-1].CloseTime > now {
		candles = candles[:len(candles)-1]
	}
	return candles
}

// EnsureAll 并发补齐多个周期的数据。
func (s *Syncer) EnsureAll(ctx context.Context, symbol string, tfs []market.Timeframe, start, end int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, tf := range tfs {
		tf := tf
		g.Go(func() error {
			return s.EnsureRange(ctx, symbol, tf, start, end)
		})
	}
	return g.Wait()
}

// ticker 通道的周期：成交价走普通 1m K 线，标记价缓存在独立的伪周期下。
var (
	tickerTF     = market.Timeframe{Key: datastore.TickerTimeframe, Duration: time.Minute, SourceInterval: "1m"}
	tickerMarkTF = market.Timeframe{Key: datastore.TickerMarkTimeframe, Duration: time.Minute, SourceInterval: "1m"}
)

// EnsureTicker 补齐 ticker 通道（last_price / mark_price）需要的
// 1m 成交价与 1m 标记价 K 线。
func (s *Syncer) EnsureTicker(ctx context.Context, symbol string, start, end int64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	g.Go(func() error {
		return s.ensureRange(ctx, symbol, tickerTF, start, end, false)
	})
	g.Go(func() error {
		return s.ensureRange(ctx, symbol, tickerMarkTF, start, end, true)
	})
	return g.Wait()
}
