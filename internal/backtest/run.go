package backtest

import (
	"encoding/json"
	"time"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录本次回测的参数快照，便于重放。
type RunConfig struct {
	Play            string            `json:"play"`
	Symbol          string            `json:"symbol"`
	StartTS         int64             `json:"start_ts"`
	EndTS           int64             `json:"end_ts"`
	Timeframes      map[string]string `json:"timeframes"` // role → 周期 key
	InitialBalance  float64           `json:"initial_balance"`
	FeeRate         float64           `json:"fee_rate"`
	SlippageBps     float64           `json:"slippage_bps"`
	Leverage        float64           `json:"leverage"`
	MaintenanceRate float64           `json:"maintenance_rate"`
	Notes           string            `json:"notes,omitempty"`
}

// RunStats 汇总收益与风控指标。
type RunStats struct {
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Orders         int       `json:"orders"`
	Positions      int       `json:"positions"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	Liquidations   int       `json:"liquidations"`
	FeesPaid       float64   `json:"fees_paid"`
	EquityPeak     float64   `json:"equity_peak"`
	EquityValley   float64   `json:"equity_valley"`
	Bars           int       `json:"bars"`
	ActionHash     string    `json:"action_hash"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Run 表示一次回测任务的生命周期记录。
type Run struct {
	ID             string    `json:"id"`
	Play           string    `json:"play"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	ExecTimeframe  string    `json:"exec_timeframe"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Orders         int       `json:"orders"`
	Positions      int       `json:"positions"`
	ActionHash     string    `json:"action_hash,omitempty"`
	Message        string    `json:"message,omitempty"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

// OrderRecord 记录一次模拟成交（开仓/平仓/强平腿）。
type OrderRecord struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	TS          int64           `json:"ts"`
	Action      string          `json:"action"` // open_long/close_long/.../liquidation
	Side        string          `json:"side"`
	Price       float64         `json:"price"`
	Quantity    float64         `json:"quantity"`
	Notional    float64         `json:"notional"`
	Fee         float64         `json:"fee"`
	RealizedPnL float64         `json:"realized_pnl,omitempty"`
	Capture     json.RawMessage `json:"capture,omitempty"` // 触发时捕获的特征值
}

// PositionRecord 记录一段完整持仓（开到平）。
type PositionRecord struct {
	ID         int64   `json:"id"`
	RunID      string  `json:"run_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryTS    int64   `json:"entry_ts"`
	ExitTS     int64   `json:"exit_ts"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
	PnL        float64 `json:"pnl"`
	PnLPct     float64 `json:"pnl_pct"`
	HoldingMs  int64   `json:"holding_ms"`
	Liquidated bool    `json:"liquidated"`
}

// EquityPoint 是资金曲线上的一个采样点。
type EquityPoint struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Drawdown float64 `json:"drawdown"`
}

// FireEvent 是动作条件树在某根 bar 上为真的记录。
type FireEvent struct {
	TS     int64              `json:"ts"`
	Action string             `json:"action"`
	Signal string             `json:"signal"`
	Size   float64            `json:"size"`
	Values map[string]float64 `json:"values,omitempty"`
}

// RunRequest 为 HTTP/CLI 提交使用。
type RunRequest struct {
	Play    string `json:"play" binding:"required"`
	StartTS int64  `json:"start_ts" binding:"required"`
	EndTS   int64  `json:"end_ts" binding:"required"`
	// 以下可覆盖服务默认的账户参数；零值表示用默认。
	InitialBalance  float64 `json:"initial_balance"`
	FeeRate         float64 `json:"fee_rate"`
	SlippageBps     float64 `json:"slippage_bps"`
	Leverage        float64 `json:"leverage"`
	MaintenanceRate float64 `json:"maintenance_rate"`
	Notes           string  `json:"notes"`
}
