package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// ResultStore 用 Gorm + SQLite 持久化回测结果：
// runs / orders / positions / equity 四张表，run 删除时级联。
type ResultStore struct {
	db *gorm.DB
}

type runModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Play           string         `gorm:"column:play;index"`
	Symbol         string         `gorm:"column:symbol;index"`
	Status         string         `gorm:"column:status"`
	StartTS        int64          `gorm:"column:start_ts"`
	EndTS          int64          `gorm:"column:end_ts"`
	ExecTimeframe  string         `gorm:"column:exec_timeframe"`
	InitialBalance float64        `gorm:"column:initial_balance"`
	FinalBalance   float64        `gorm:"column:final_balance"`
	Profit         float64        `gorm:"column:profit"`
	ReturnPct      float64        `gorm:"column:return_pct"`
	WinRate        float64        `gorm:"column:win_rate"`
	MaxDrawdownPct float64        `gorm:"column:max_drawdown_pct"`
	Orders         int            `gorm:"column:orders"`
	Positions      int            `gorm:"column:positions"`
	ActionHash     string         `gorm:"column:action_hash"`
	Message        string         `gorm:"column:message"`
	ConfigJSON     datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	StatsJSON      datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`
	CompletedAt    int64          `gorm:"column:completed_at"`
}

func (runModel) TableName() string { return "backtest_runs" }

type orderModel struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID       string         `gorm:"column:run_id;index"`
	TS          int64          `gorm:"column:ts"`
	Action      string         `gorm:"column:action"`
	Side        string         `gorm:"column:side"`
	Price       float64        `gorm:"column:price"`
	Quantity    float64        `gorm:"column:quantity"`
	Notional    float64        `gorm:"column:notional"`
	Fee         float64        `gorm:"column:fee"`
	RealizedPnL float64        `gorm:"column:realized_pnl"`
	CaptureJSON datatypes.JSON `gorm:"column:capture_json;type:TEXT"`
}

func (orderModel) TableName() string { return "backtest_orders" }

type positionModel struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string  `gorm:"column:run_id;index"`
	Symbol     string  `gorm:"column:symbol"`
	Side       string  `gorm:"column:side"`
	EntryTS    int64   `gorm:"column:entry_ts"`
	ExitTS     int64   `gorm:"column:exit_ts"`
	EntryPrice float64 `gorm:"column:entry_price"`
	ExitPrice  float64 `gorm:"column:exit_price"`
	Quantity   float64 `gorm:"column:quantity"`
	PnL        float64 `gorm:"column:pnl"`
	PnLPct     float64 `gorm:"column:pnl_pct"`
	HoldingMs  int64   `gorm:"column:holding_ms"`
	Liquidated bool    `gorm:"column:liquidated"`
}

func (positionModel) TableName() string { return "backtest_positions" }

type equityModel struct {
	ID       int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID    string  `gorm:"column:run_id;index"`
	TS       int64   `gorm:"column:ts"`
	Equity   float64 `gorm:"column:equity"`
	Balance  float64 `gorm:"column:balance"`
	Drawdown float64 `gorm:"column:drawdown"`
}

func (equityModel) TableName() string { return "backtest_equity" }

// NewResultStore 打开（或创建）结果库。path 是 db 文件路径。
func NewResultStore(path string) (*ResultStore, error) {
	if path == "" {
		return nil, fmt.Errorf("result store 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &orderModel{}, &positionModel{}, &equityModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL：写串行、读允许少量并行，给 HTTP 查询留余地。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &ResultStore{db: db}, nil
}

// Close 关闭底层连接。
func (s *ResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun 落一条 pending 记录。
func (s *ResultStore) CreateRun(ctx context.Context, run Run) error {
	model, err := toRunModel(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// SetStatus 更新状态与提示信息。
func (s *ResultStore) SetStatus(ctx context.Context, id, status, message string) error {
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     status,
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	}).Error
}

// FinishRun 写入完整结果：更新 run 汇总并批量落 orders/positions/equity。
func (s *ResultStore) FinishRun(ctx context.Context, run Run, result *Result) error {
	model, err := toRunModel(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		orders := make([]orderModel, 0, len(result.Fills))
		captures := captureByTS(result.Fires)
		for _, fill := range result.Fills {
			om := orderModel{
				RunID:       run.ID,
				TS:          fill.TS,
				Action:      fill.Action,
				Side:        fill.Side,
				Price:       fill.Price,
				Quantity:    fill.Qty,
				Notional:    fill.Notional,
				Fee:         fill.Fee,
				RealizedPnL: fill.RealizedPnL,
			}
			if raw, ok := captures[fill.TS]; ok {
				om.CaptureJSON = raw
			}
			orders = append(orders, om)
		}
		if len(orders) > 0 {
			if err := tx.CreateInBatches(orders, 200).Error; err != nil {
				return err
			}
		}
		positions := make([]positionModel, 0, len(result.Trades))
		for _, trade := range result.Trades {
			positions = append(positions, positionModel{
				RunID:      run.ID,
				Symbol:     result.Symbol,
				Side:       trade.Side,
				EntryTS:    trade.EntryTS,
				ExitTS:     trade.ExitTS,
				EntryPrice: trade.EntryPrice,
				ExitPrice:  trade.ExitPrice,
				Quantity:   trade.Qty,
				PnL:        trade.PnL,
				PnLPct:     trade.PnLPct,
				HoldingMs:  trade.ExitTS - trade.EntryTS,
				Liquidated: trade.Liquidated,
			})
		}
		if len(positions) > 0 {
			if err := tx.CreateInBatches(positions, 200).Error; err != nil {
				return err
			}
		}
		equity := make([]equityModel, 0, len(result.Equity))
		for _, pt := range result.Equity {
			equity = append(equity, equityModel{
				RunID:    run.ID,
				TS:       pt.TS,
				Equity:   pt.Equity,
				Balance:  pt.Balance,
				Drawdown: pt.Drawdown,
			})
		}
		if len(equity) > 0 {
			if err := tx.CreateInBatches(equity, 500).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// captureByTS 把触发捕获按时间戳编成 JSON，挂到同 bar 的成交上。
func captureByTS(fires []FireEvent) map[int64]datatypes.JSON {
	out := make(map[int64]datatypes.JSON)
	for _, fire := range fires {
		if len(fire.Values) == 0 {
			continue
		}
		raw, err := json.Marshal(fire.Values)
		if err != nil {
			continue
		}
		out[fire.TS] = datatypes.JSON(raw)
	}
	return out
}

// GetRun 按 id 取 run。
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	var model runModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return Run{}, err
	}
	return fromRunModel(model)
}

// ListRuns 按创建时间倒序返回最近的 run。
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(models))
	for _, m := range models {
		run, err := fromRunModel(m)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// RunStat 从 stats JSON 里取单个数值字段，path 形如 "win_rate"、"fees_paid"。
func (s *ResultStore) RunStat(ctx context.Context, id, path string) (float64, error) {
	var model runModel
	if err := s.db.WithContext(ctx).Select("stats_json").First(&model, "id = ?", id).Error; err != nil {
		return 0, err
	}
	v := gjson.GetBytes(model.StatsJSON, path)
	if !v.Exists() {
		return 0, fmt.Errorf("run %s: stats 中没有字段 %q", id, path)
	}
	return v.Float(), nil
}

// Orders 返回一次 run 的全部成交。
func (s *ResultStore) Orders(ctx context.Context, runID string) ([]OrderRecord, error) {
	var models []orderModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, OrderRecord{
			ID:          m.ID,
			RunID:       m.RunID,
			TS:          m.TS,
			Action:      m.Action,
			Side:        m.Side,
			Price:       m.Price,
			Quantity:    m.Quantity,
			Notional:    m.Notional,
			Fee:         m.Fee,
			RealizedPnL: m.RealizedPnL,
			Capture:     json.RawMessage(m.CaptureJSON),
		})
	}
	return out, nil
}

// Positions 返回一次 run 的全部完整持仓。
func (s *ResultStore) Positions(ctx context.Context, runID string) ([]PositionRecord, error) {
	var models []positionModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("entry_ts ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]PositionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, PositionRecord{
			ID:         m.ID,
			RunID:      m.RunID,
			Symbol:     m.Symbol,
			Side:       m.Side,
			EntryTS:    m.EntryTS,
			ExitTS:     m.ExitTS,
			EntryPrice: m.EntryPrice,
			ExitPrice:  m.ExitPrice,
			Quantity:   m.Quantity,
			PnL:        m.PnL,
			PnLPct:     m.PnLPct,
			HoldingMs:  m.HoldingMs,
			Liquidated: m.Liquidated,
		})
	}
	return out, nil
}

// Equity 返回一次 run 的资金曲线。
func (s *ResultStore) Equity(ctx context.Context, runID string) ([]EquityPoint, error) {
	var models []equityModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]EquityPoint, 0, len(models))
	for _, m := range models {
		out = append(out, EquityPoint{
			ID:       m.ID,
			RunID:    m.RunID,
			TS:       m.TS,
			Equity:   m.Equity,
			Balance:  m.Balance,
			Drawdown: m.Drawdown,
		})
	}
	return out, nil
}

// DeleteRun 删除 run 及其从属记录。
func (s *ResultStore) DeleteRun(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&orderModel{}, &positionModel{}, &equityModel{}} {
			if err := tx.Where("run_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&runModel{}, "id = ?", id).Error
	})
}

func toRunModel(run Run) (runModel, error) {
	configJSON, err := run.MarshalConfig()
	if err != nil {
		return runModel{}, err
	}
	statsJSON, err := run.MarshalStats()
	if err != nil {
		return runModel{}, err
	}
	var completed int64
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt.UnixMilli()
	}
	return runModel{
		ID:             run.ID,
		Play:           run.Play,
		Symbol:         run.Symbol,
		Status:         run.Status,
		StartTS:        run.StartTS,
		EndTS:          run.EndTS,
		ExecTimeframe:  run.ExecTimeframe,
		InitialBalance: run.InitialBalance,
		FinalBalance:   run.FinalBalance,
		Profit:         run.Profit,
		ReturnPct:      run.ReturnPct,
		WinRate:        run.WinRate,
		MaxDrawdownPct: run.MaxDrawdownPct,
		Orders:         run.Orders,
		Positions:      run.Positions,
		ActionHash:     run.ActionHash,
		Message:        run.Message,
		ConfigJSON:     datatypes.JSON(configJSON),
		StatsJSON:      datatypes.JSON(statsJSON),
		CreatedAtUnix:  run.CreatedAt.UnixMilli(),
		UpdatedAtUnix:  run.UpdatedAt.UnixMilli(),
		CompletedAt:    completed,
	}, nil
}

func fromRunModel(m runModel) (Run, error) {
	run := Run{
		ID:             m.ID,
		Play:           m.Play,
		Symbol:         m.Symbol,
		Status:         m.Status,
		StartTS:        m.StartTS,
		EndTS:          m.EndTS,
		ExecTimeframe:  m.ExecTimeframe,
		InitialBalance: m.InitialBalance,
		FinalBalance:   m.FinalBalance,
		Profit:         m.Profit,
		ReturnPct:      m.ReturnPct,
		WinRate:        m.WinRate,
		MaxDrawdownPct: m.MaxDrawdownPct,
		Orders:         m.Orders,
		Positions:      m.Positions,
		ActionHash:     m.ActionHash,
		Message:        m.Message,
		CreatedAt:      time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:      time.UnixMilli(m.UpdatedAtUnix),
	}
	if m.CompletedAt > 0 {
		run.CompletedAt = time.UnixMilli(m.CompletedAt)
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &run.Config); err != nil {
			return Run{}, fmt.Errorf("run %s: config JSON 损坏: %w", m.ID, err)
		}
	}
	if len(m.StatsJSON) > 0 {
		if err := json.Unmarshal(m.StatsJSON, &run.Stats); err != nil {
			return Run{}, fmt.Errorf("run %s: stats JSON 损坏: %w", m.ID, err)
		}
	}
	return run, nil
}
