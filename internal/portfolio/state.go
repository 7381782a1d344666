package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RiskState 是风险缩放的跨日延续字段，随状态文件持久化。
type RiskState struct {
	Scalar     float64 `json:"scalar"`
	Regime     string  `json:"regime"`
	BurnInDays int     `json:"burn_in_days"`
	CalmStreak int     `json:"calm_streak"`
	InRecovery bool    `json:"in_recovery"`
}

// GlidepathState 记录当前过渡段：起点 scalar、已走天数、对应的分仓指纹。
type GlidepathState struct {
	Day         int     `json:"day"`
	FromScalar  float64 `json:"from_scalar"`
	SleevesHash string  `json:"sleeves_hash"`
}

// State 是一次完整运行落盘的持久状态。损坏视为致命错误，
// 文件不存在视为首次运行。
type State struct {
	Positions []Position     `json:"positions"`
	Cash      float64        `json:"cash"`
	NAV       float64        `json:"nav"`
	PeakNAV   float64        `json:"peak_nav"`
	Risk      RiskState      `json:"risk"`
	Glidepath GlidepathState `json:"glidepath"`
	Timestamp time.Time      `json:"timestamp"`
}

// Drawdown 返回相对峰值的回撤比例。
func (s *State) Drawdown() float64 {
	if s == nil || s.PeakNAV <= 0 || s.NAV >= s.PeakNAV {
		return 0
	}
	return 1 - s.NAV/s.PeakNAV
}

// LoadState 读取状态文件。(nil, nil) 表示首次运行；解析失败返回错误，
// 上层必须中止而不是带着脏状态继续。
func LoadState(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取状态文件失败: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("状态文件损坏 (%s): %w", path, err)
	}
	if st.NAV < 0 || st.PeakNAV < 0 {
		return nil, fmt.Errorf("状态文件数值非法 (%s): nav=%v peak=%v", path, st.NAV, st.PeakNAV)
	}
	return &st, nil
}

// SaveState 原子写状态文件：临时文件 + fsync + rename，再 fsync 父目录。
// 任何一步失败都不会留下半写的正式文件。
func SaveState(path string, st *State) error {
	if st == nil {
		return fmt.Errorf("state 不能为空")
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建状态目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("创建临时状态文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写状态失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync 状态失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("替换状态文件失败: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
