// Package store persists run history with Gorm + SQLite: one row per
// rebalance run plus the per-order outcomes, consumed by the ops HTTP
// endpoints and the HTML report.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store 管理运行历史。nil 接收者安全，方法各自兜底。
type Store struct {
	db   *gorm.DB
	path string
}

// OmissionRecord 是权重构建阶段被零权重跳过的腿。
type OmissionRecord struct {
	Sleeve     string `json:"sleeve"`
	Instrument string `json:"instrument"`
	Reason     string `json:"reason"`
}

// RunRecord 是一次调仓运行的落库摘要。
type RunRecord struct {
	RunID       string           `json:"run_id"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	DryRun      bool             `json:"dry_run"`
	Partial     bool             `json:"partial"`
	Success     bool             `json:"success"`
	NAV         float64          `json:"nav"`
	Cash        float64          `json:"cash"`
	DailyReturn float64          `json:"daily_return"`
	Scalar      float64          `json:"scalar"`
	RawScalar   float64          `json:"raw_scalar"`
	Regime      string           `json:"regime"`
	RealizedVol float64          `json:"realized_vol"`
	ProxyVolPct float64          `json:"proxy_vol_pct"`
	Drawdown    float64          `json:"drawdown"`
	Gross       float64          `json:"gross"`
	Submitted   int              `json:"submitted"`
	Filled      int              `json:"filled"`
	Skipped     int              `json:"skipped"`
	Omissions   []OmissionRecord `json:"omissions,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// OrderRecord 是一笔订单（含被跳过的意图）的终局。
type OrderRecord struct {
	RunID         string    `json:"run_id"`
	ClientOrderID string    `json:"client_order_id"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	InstrumentID  string    `json:"instrument_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	LimitPrice    float64   `json:"limit_price"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	State         string    `json:"state"` // filled/rejected/accepted/skipped...
	Reason        string    `json:"reason,omitempty"`
	SleeveTag     string    `json:"sleeve_tag"`
	Replaced      bool      `json:"replaced"`
	TimedOut      bool      `json:"timed_out"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// NavPoint 供报表画 NAV / scalar / regime 曲线。
type NavPoint struct {
	Date        time.Time `json:"date"`
	NAV         float64   `json:"nav"`
	DailyReturn float64   `json:"daily_return"`
	Scalar      float64   `json:"scalar"`
	Regime      string    `json:"regime"`
	Drawdown    float64   `json:"drawdown"`
}

// NewStore 初始化 SQLite 存储，WAL 模式，少量并发给 HTTP 只读请求。
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: runs 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &runOrderModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun 落一次运行：run 按 run_id 幂等覆盖，订单先删后插，
// 同一个 run_id 重写不会产生重复行。
func (s *Store) SaveRun(ctx context.Context, rec RunRecord, orders []OrderRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store 未初始化")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("store: run_id 必填")
	}
	model := newRunModel(rec)
	orderModels := make([]runOrderModel, 0, len(orders))
	for _, o := range orders {
		orderModels = append(orderModels, newRunOrderModel(rec.RunID, o))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", rec.RunID).Delete(&runOrderModel{}).Error; err != nil {
			return err
		}
		if len(orderModels) == 0 {
			return nil
		}
		return tx.Create(&orderModels).Error
	})
}

// RecentRuns 返回按开始时间倒序的最近运行。
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(models))
	for _, m := range models {
		out = append(out, runModelToRecord(m))
	}
	return out, nil
}

// Run 按 run_id 取单次运行，查不到时第二个返回值为 false。
func (s *Store) Run(ctx context.Context, runID string) (RunRecord, bool, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, false, fmt.Errorf("store 未初始化")
	}
	var model runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", strings.TrimSpace(runID)).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}
	return runModelToRecord(model), true, nil
}

// RunOrders 返回一次运行的全部订单记录，提交顺序。
func (s *Store) RunOrders(ctx context.Context, runID string) ([]OrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	var models []runOrderModel
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", strings.TrimSpace(runID)).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]OrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, runOrderModelToRecord(m))
	}
	return out, nil
}

// NAVSeries 返回最近 limit 次正式运行的 NAV 轨迹，时间升序，报表用。
// dry-run 不进序列。
func (s *Store) NAVSeries(ctx context.Context, limit int) ([]NavPoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	if limit <= 0 || limit > 2000 {
		limit = 365
	}
	var models []runModel
	if err := s.db.WithContext(ctx).
		Where("dry_run = ?", 0).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]NavPoint, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		m := models[i]
		out = append(out, NavPoint{
			Date:        millisToTime(m.StartedAtMs),
			NAV:         m.NAV,
			DailyReturn: m.DailyReturn,
			Scalar:      m.Scalar,
			Regime:      m.Regime,
			Drawdown:    m.Drawdown,
		})
	}
	return out, nil
}

// --------------------------- Models ------------------------------------

type runModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	RunID       string         `gorm:"column:run_id;uniqueIndex"`
	StartedAtMs int64          `gorm:"column:started_at;index"`
	FinishedMs  int64          `gorm:"column:finished_at"`
	DryRun      int            `gorm:"column:dry_run"`
	Partial     int            `gorm:"column:partial"`
	Success     int            `gorm:"column:success"`
	NAV         float64        `gorm:"column:nav"`
	Cash        float64        `gorm:"column:cash"`
	DailyReturn float64        `gorm:"column:daily_return"`
	Scalar      float64        `gorm:"column:scalar"`
	RawScalar   float64        `gorm:"column:raw_scalar"`
	Regime      string         `gorm:"column:regime"`
	RealizedVol float64        `gorm:"column:realized_vol"`
	ProxyVolPct float64        `gorm:"column:proxy_vol_pct"`
	Drawdown    float64        `gorm:"column:drawdown"`
	Gross       float64        `gorm:"column:gross"`
	Submitted   int            `gorm:"column:submitted"`
	Filled      int            `gorm:"column:filled"`
	Skipped     int            `gorm:"column:skipped"`
	Omissions   datatypes.JSON `gorm:"column:omissions"`
	Error       string         `gorm:"column:error"`
}

func (runModel) TableName() string { return "runs" }

type runOrderModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	RunID         string  `gorm:"column:run_id;index"`
	ClientOrderID string  `gorm:"column:client_order_id"`
	VenueOrderID  string  `gorm:"column:venue_order_id"`
	InstrumentID  string  `gorm:"column:instrument_id;index"`
	Symbol        string  `gorm:"column:symbol"`
	Side          string  `gorm:"column:side"`
	Quantity      float64 `gorm:"column:quantity"`
	LimitPrice    float64 `gorm:"column:limit_price"`
	FilledQty     float64 `gorm:"column:filled_qty"`
	AvgFillPrice  float64 `gorm:"column:avg_fill_price"`
	State         string  `gorm:"column:state"`
	Reason        string  `gorm:"column:reason"`
	SleeveTag     string  `gorm:"column:sleeve_tag"`
	Replaced      int     `gorm:"column:replaced"`
	TimedOut      int     `gorm:"column:timed_out"`
	SubmittedMs   int64   `gorm:"column:submitted_at"`
}

func (runOrderModel) TableName() string { return "run_orders" }

// ----------------------- Model Conversion Helpers -----------------------

func newRunModel(rec RunRecord) runModel {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.StartedAt
	}
	omissions, _ := json.Marshal(rec.Omissions)
	if len(rec.Omissions) == 0 {
		omissions = []byte("[]")
	}
	return runModel{
		RunID:       strings.TrimSpace(rec.RunID),
		StartedAtMs: rec.StartedAt.UnixMilli(),
		FinishedMs:  rec.FinishedAt.UnixMilli(),
		DryRun:      boolToInt(rec.DryRun),
		Partial:     boolToInt(rec.Partial),
		Success:     boolToInt(rec.Success),
		NAV:         rec.NAV,
		Cash:        rec.Cash,
		DailyReturn: rec.DailyReturn,
		Scalar:      rec.Scalar,
		RawScalar:   rec.RawScalar,
		Regime:      strings.TrimSpace(rec.Regime),
		RealizedVol: rec.RealizedVol,
		ProxyVolPct: rec.ProxyVolPct,
		Drawdown:    rec.Drawdown,
		Gross:       rec.Gross,
		Submitted:   rec.Submitted,
		Filled:      rec.Filled,
		Skipped:     rec.Skipped,
		Omissions:   datatypes.JSON(omissions),
		Error:       strings.TrimSpace(rec.Error),
	}
}

func runModelToRecord(m runModel) RunRecord {
	rec := RunRecord{
		RunID:       m.RunID,
		StartedAt:   millisToTime(m.StartedAtMs),
		FinishedAt:  millisToTime(m.FinishedMs),
		DryRun:      m.DryRun != 0,
		Partial:     m.Partial != 0,
		Success:     m.Success != 0,
		NAV:         m.NAV,
		Cash:        m.Cash,
		DailyReturn: m.DailyReturn,
		Scalar:      m.Scalar,
		RawScalar:   m.RawScalar,
		Regime:      m.Regime,
		RealizedVol: m.RealizedVol,
		ProxyVolPct: m.ProxyVolPct,
		Drawdown:    m.Drawdown,
		Gross:       m.Gross,
		Submitted:   m.Submitted,
		Filled:      m.Filled,
		Skipped:     m.Skipped,
		Error:       m.Error,
	}
	if len(m.Omissions) > 0 {
		_ = json.Unmarshal(m.Omissions, &rec.Omissions)
	}
	return rec
}

func newRunOrderModel(runID string, rec OrderRecord) runOrderModel {
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now()
	}
	return runOrderModel{
		RunID:         strings.TrimSpace(runID),
		ClientOrderID: rec.ClientOrderID,
		VenueOrderID:  rec.VenueOrderID,
		InstrumentID:  rec.InstrumentID,
		Symbol:        strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Side:          strings.ToLower(strings.TrimSpace(rec.Side)),
		Quantity:      rec.Quantity,
		LimitPrice:    rec.LimitPrice,
		FilledQty:     rec.FilledQty,
		AvgFillPrice:  rec.AvgFillPrice,
		State:         strings.TrimSpace(rec.State),
		Reason:        rec.Reason,
		SleeveTag:     rec.SleeveTag,
		Replaced:      boolToInt(rec.Replaced),
		TimedOut:      boolToInt(rec.TimedOut),
		SubmittedMs:   rec.SubmittedAt.UnixMilli(),
	}
}

func runOrderModelToRecord(m runOrderModel) OrderRecord {
	return OrderRecord{
		RunID:         m.RunID,
		ClientOrderID: m.ClientOrderID,
		VenueOrderID:  m.VenueOrderID,
		InstrumentID:  m.InstrumentID,
		Symbol:        m.Symbol,
		Side:          m.Side,
		Quantity:      m.Quantity,
		LimitPrice:    m.LimitPrice,
		FilledQty:     m.FilledQty,
		AvgFillPrice:  m.AvgFillPrice,
		State:         m.State,
		Reason:        m.Reason,
		SleeveTag:     m.SleeveTag,
		Replaced:      m.Replaced != 0,
		TimedOut:      m.TimedOut != 0,
		SubmittedAt:   millisToTime(m.SubmittedMs),
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
