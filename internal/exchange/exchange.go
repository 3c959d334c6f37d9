// Package exchange 实现回测用的模拟永续合约账户：滑点、手续费、杠杆保证金、
// 强平与部分平仓。成交价与盈亏用 decimal 计算后再转回 float64，
// 避免长序列累加时的浮点漂移影响统计口径。
package exchange

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"backplay/internal/market"
)

// Config 是账户参数。
type Config struct {
	InitialBalance  float64
	FeeRate         float64 // 单边费率，如 0.0005
	SlippageBps     float64 // 滑点（基点）
	Leverage        float64 // 1 = 无杠杆
	MaintenanceRate float64 // 维持保证金率
}

func (c *Config) normalize() error {
	if c.InitialBalance <= 0 {
		return fmt.Errorf("exchange: 初始资金必须 > 0")
	}
	if c.FeeRate < 0 || c.FeeRate >= 0.1 {
		return fmt.Errorf("exchange: 费率 %v 不合理", c.FeeRate)
	}
	if c.SlippageBps < 0 {
		return fmt.Errorf("exchange: 滑点不能为负")
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("exchange: 杠杆 %v 超出 [1,125]", c.Leverage)
	}
	if c.MaintenanceRate < 0 || c.MaintenanceRate >= 1/c.Leverage {
		return fmt.Errorf("exchange: 维持保证金率 %v 不合理", c.MaintenanceRate)
	}
	return nil
}

// Fill 是一次成交记录。
type Fill struct {
	TS          int64
	Action      string // open_long / close_long / liquidation ...
	Side        string // long / short
	Price       float64
	Qty         float64
	Notional    float64
	Fee         float64
	RealizedPnL float64 // 平仓腿才有
}

// Trade 是一段完整持仓（开到平）。
type Trade struct {
	Side       string
	EntryTS    int64
	ExitTS     int64
	EntryPrice float64
	ExitPrice  float64
	Qty        float64
	PnL        float64 // 已扣手续费
	PnLPct     float64 // 相对保证金
	Liquidated bool
}

type position struct {
	side       string
	entryPrice float64
	qty        float64
	margin     float64
	entryTS    int64
	liqPrice   float64
}

// Stats 是一次回测的账户汇总。
type Stats struct {
	InitialBalance float64
	FinalBalance   float64
	Profit         float64
	ReturnPct      float64
	Trades         int
	Wins           int
	Losses         int
	WinRate        float64
	MaxDrawdownPct float64
	EquityPeak     float64
	EquityValley   float64
	Liquidations   int
	FeesPaid       float64
}

// Account 是单 symbol 的模拟账户。非并发安全，一次 run 一个实例。
type Account struct {
	cfg          Config
	balance      float64
	pos          *position
	feesPaid     float64
	closedTrades []Trade

	trades       int
	wins, losses int
	liquidations int

	peakEquity   float64
	valleyEquity float64
	maxDrawdown  float64
}

// New 创建账户。
func New(cfg Config) (*Account, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Account{
		cfg:          cfg,
		balance:      cfg.InitialBalance,
		peakEquity:   cfg.InitialBalance,
		valleyEquity: cfg.InitialBalance,
	}, nil
}

// Balance 返回当前可用余额。
func (a *Account) Balance() float64 { return a.balance }

// HasPosition 判断是否持仓；side 为空匹配任意方向。
func (a *Account) HasPosition(side string) bool {
	if a.pos == nil {
		return false
	}
	return side == "" || a.pos.side == side
}

func (a *Account) fillPrice(price float64, buy bool) float64 {
	slip := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(a.cfg.SlippageBps)).
		Div(decimal.NewFromInt(10000))
	base := decimal.NewFromFloat(price)
	if buy {
		base = base.Add(slip)
	} else {
		base = base.Sub(slip)
	}
	f, _ := base.Float64()
	return f
}

// liquidationPrice 由入场价与杠杆推出强平价。
func liquidationPrice(side string, entry, leverage, maintRate float64) float64 {
	e := decimal.NewFromFloat(entry)
	move := decimal.NewFromFloat(1/leverage - maintRate)
	if side == "long" {
		return mustFloat(e.Mul(decimal.NewFromInt(1).Sub(move)))
	}
	return mustFloat(e.Mul(decimal.NewFromInt(1).Add(move)))
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Open 按余额比例开仓。size ∈ (0,1] 是投入保证金占余额的比例。
// 已有同向持仓时不加仓；反向持仓先平掉再开。
func (a *Account) Open(side string, size float64, candle market.Candle) []Fill {
	var fills []Fill
	if a.pos != nil {
		if a.pos.side == side {
			return nil
		}
		fills = append(fills, a.close(a.pos.side, 1, candle, "close_"+a.pos.side, false)...)
	}
	if size <= 0 || size > 1 {
		size = 1
	}
	margin := a.balance * size
	if margin <= 0 {
		return fills
	}
	price := a.fillPrice(candle.Close, side == "long")
	if price <= 0 {
		return fills
	}
	notional := margin * a.cfg.Leverage
	qty := notional / price
	fee := notional * a.cfg.FeeRate
	if fee >= a.balance {
		return fills
	}
	a.balance -= fee
	a.feesPaid += fee
	a.pos = &position{
		side:       side,
		entryPrice: price,
		qty:        qty,
		margin:     margin,
		entryTS:    candle.CloseTime,
		liqPrice:   liquidationPrice(side, price, a.cfg.Leverage, a.cfg.MaintenanceRate),
	}
	fills = append(fills, Fill{
		TS:       candle.CloseTime,
		Action:   "open_" + side,
		Side:     side,
		Price:    price,
		Qty:      qty,
		Notional: notional,
		Fee:      fee,
	})
	return fills
}

// Close 平掉 fraction 比例的持仓（1 为全平）。方向不符时为空操作。
func (a *Account) Close(side string, fraction float64, candle market.Candle) []Fill {
	if a.pos == nil || a.pos.side != side {
		return nil
	}
	return a.close(side, fraction, candle, "close_"+side, false)
}

func (a *Account) close(side string, fraction float64, candle market.Candle, action string, liquidated bool) []Fill {
	pos := a.pos
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	qty := pos.qty * fraction
	// 剩余太小的尾仓直接并入本次平掉
	if pos.qty-qty < pos.qty*1e-3 {
		qty = pos.qty
		fraction = 1
	}

	price := a.fillPrice(candle.Close, side == "short")
	if liquidated {
		price = pos.liqPrice
	}
	pnl := realizedPnL(side, pos.entryPrice, price, qty)
	notional := qty * price
	fee := notional * a.cfg.FeeRate
	a.balance += pnl - fee
	if a.balance < 0 {
		a.balance = 0
	}
	a.feesPaid += fee

	a.trades++
	if pnl-fee >= 0 {
		a.wins++
	} else {
		a.losses++
	}
	if liquidated {
		a.liquidations++
	}
	trade := Trade{
		Side:       side,
		EntryTS:    pos.entryTS,
		ExitTS:     candle.CloseTime,
		EntryPrice: pos.entryPrice,
		ExitPrice:  price,
		Qty:        qty,
		PnL:        pnl - fee,
		PnLPct:     (pnl - fee) / (pos.margin * fraction),
		Liquidated: liquidated,
	}
	a.closedTrades = append(a.closedTrades, trade)

	if fraction >= 1 {
		a.pos = nil
	} else {
		pos.qty -= qty
		pos.margin -= pos.margin * fraction
	}
	return []Fill{{
		TS:          candle.CloseTime,
		Action:      action,
		Side:        side,
		Price:       price,
		Qty:         qty,
		Notional:    notional,
		Fee:         fee,
		RealizedPnL: pnl - fee,
	}}
}

// realizedPnL 用 decimal 结算已实现盈亏。
func realizedPnL(side string, entry, exit, qty float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromFloat(qty)
	if side == "long" {
		return mustFloat(x.Sub(e).Mul(q))
	}
	return mustFloat(e.Sub(x).Mul(q))
}

// MarkBar 在每根执行 bar 收盘后调用：先做强平检查（bar 内最不利价触及
// 强平价即强平），再更新权益峰谷与最大回撤。返回强平成交（如有）。
// 没有独立标记价数据时以执行 K 线自身的高低价近似。
func (a *Account) MarkBar(candle market.Candle) []Fill {
	return a.markBar(candle, candle.High, candle.Low, candle.Close)
}

// MarkBarWithMark 用独立的标记价 K 线做强平检查与权益盯市；
// 成交价仍取执行 K 线（滑点模型不变）。
func (a *Account) MarkBarWithMark(candle, mark market.Candle) []Fill {
	return a.markBar(candle, mark.High, mark.Low, mark.Close)
}

func (a *Account) markBar(candle market.Candle, markHigh, markLow, markClose float64) []Fill {
	var fills []Fill
	if pos := a.pos; pos != nil && a.cfg.Leverage > 1 {
		hit := (pos.side == "long" && markLow <= pos.liqPrice) ||
			(pos.side == "short" && markHigh >= pos.liqPrice)
		if hit {
			fills = a.close(pos.side, 1, candle, "liquidation", true)
		}
	}
	equity := a.Equity(markClose)
	a.peakEquity = math.Max(a.peakEquity, equity)
	a.valleyEquity = math.Min(a.valleyEquity, equity)
	if a.peakEquity > 0 {
		dd := (a.peakEquity - equity) / a.peakEquity
		if dd > a.maxDrawdown {
			a.maxDrawdown = dd
		}
	}
	return fills
}

// unrealizedPnL 按标记价计算浮动盈亏。
func (a *Account) unrealizedPnL(price float64) float64 {
	if a.pos == nil {
		return 0
	}
	if a.pos.side == "long" {
		return (price - a.pos.entryPrice) * a.pos.qty
	}
	return (a.pos.entryPrice - price) * a.pos.qty
}

// Equity 返回权益（余额 + 浮动盈亏）。
func (a *Account) Equity(price float64) float64 {
	return a.balance + a.unrealizedPnL(price)
}

// CloseAll 在 run 结束时强制平掉残留持仓。
func (a *Account) CloseAll(candle market.Candle) []Fill {
	if a.pos == nil {
		return nil
	}
	return a.close(a.pos.side, 1, candle, "close_"+a.pos.side, false)
}

// Trades 返回全部已平仓交易（按时间顺序）。
func (a *Account) Trades() []Trade { return a.closedTrades }

// Stats 汇总账户统计。
func (a *Account) Stats() Stats {
	winRate := 0.0
	if a.trades > 0 {
		winRate = float64(a.wins) / float64(a.trades)
	}
	profit := a.balance - a.cfg.InitialBalance
	return Stats{
		InitialBalance: a.cfg.InitialBalance,
		FinalBalance:   a.balance,
		Profit:         profit,
		ReturnPct:      profit / a.cfg.InitialBalance,
		Trades:         a.trades,
		Wins:           a.wins,
		Losses:         a.losses,
		WinRate:        winRate,
		MaxDrawdownPct: a.maxDrawdown,
		EquityPeak:     a.peakEquity,
		EquityValley:   a.valleyEquity,
		Liquidations:   a.liquidations,
		FeesPaid:       a.feesPaid,
	}
}
