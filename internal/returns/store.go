// Package returns persists the daily portfolio return series. The series is
// append-only with an upsert keyed by trading date, so re-running a day never
// duplicates a row. 波动率估计按日期倒序取窗口。
package returns

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const DateLayout = "2006-01-02"

// Record 是一条逐日收益：date 为 UTC 交易日。
type Record struct {
	Date      string  `json:"date"`
	Return    float64 `json:"return"`
	NAV       float64 `json:"nav"`
	CreatedAt int64   `json:"created_at"`
}

// Store 管理收益序列的 SQLite 存储。
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewStore 初始化 SQLite 存储。
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("returns db path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close 关闭底层 DB。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daily_returns (
			date TEXT PRIMARY KEY,
			ret REAL NOT NULL,
			nav REAL NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_daily_returns_created ON daily_returns(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append 写入一条逐日收益；同一日期重复写入覆盖旧值（重跑幂等）。
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Date == "" {
		return fmt.Errorf("return record 缺少日期")
	}
	if _, err := time.Parse(DateLayout, rec.Date); err != nil {
		return fmt.Errorf("return record 日期非法 (%s): %w", rec.Date, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("returns store 已关闭")
	}
	created := rec.CreatedAt
	if created <= 0 {
		created = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_returns (date, ret, nav, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET ret=excluded.ret, nav=excluded.nav, created_at=excluded.created_at
	`, rec.Date, rec.Return, rec.NAV, created)
	if err != nil {
		return fmt.Errorf("写入逐日收益失败: %w", err)
	}
	return nil
}

// Window 返回最近 n 条记录，按日期升序。
func (s *Store) Window(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("returns store 已关闭")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, ret, nav, created_at FROM (
			SELECT date, ret, nav, created_at FROM daily_returns ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC
	`, n)
	if err != nil {
		return nil, fmt.Errorf("读取收益窗口失败: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Date, &rec.Return, &rec.NAV, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Returns 返回最近 n 个收益值（升序），估计器的便捷入口。
func (s *Store) Returns(ctx context.Context, n int) ([]float64, error) {
	records, err := s.Window(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(records))
	for i, rec := range records {
		out[i] = rec.Return
	}
	return out, nil
}

// Count 返回序列总长度。
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, fmt.Errorf("returns store 已关闭")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM daily_returns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计收益序列失败: %w", err)
	}
	return n, nil
}

// Latest 返回最新一条记录；序列为空返回 (Record{}, false, nil)。
func (s *Store) Latest(ctx context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Record{}, false, fmt.Errorf("returns store 已关闭")
	}
	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT date, ret, nav, created_at FROM daily_returns ORDER BY date DESC LIMIT 1`,
	).Scan(&rec.Date, &rec.Return, &rec.NAV, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}
