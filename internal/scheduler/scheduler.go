// Package scheduler 驱动 daemon 模式：每天固定 UTC 时刻触发一次调仓。
package scheduler

import (
	"context"
	"time"

	"ballast/internal/logger"
)

// DailyScheduler 在每天 hour:minute (UTC) 触发任务，周末默认跳过。
type DailyScheduler struct {
	Hour           int
	Minute         int
	TradeWeekends  bool
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewDailyScheduler(ctx context.Context, hour, minute int, tradeWeekends bool) *DailyScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &DailyScheduler{
		Hour:          hour,
		Minute:        minute,
		TradeWeekends: tradeWeekends,
		ctx:           ctx,
		nowFn:         time.Now,
	}
}

// Start 阻塞运行调度循环，直到 ctx 取消。
func (s *DailyScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("DailyScheduler: task is nil, exit")
		return
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		logger.Warnf("DailyScheduler: invalid run time %02d:%02d, exit", s.Hour, s.Minute)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("DailyScheduler: started run_at=%02d:%02d UTC trade_weekends=%v at=%s",
		s.Hour, s.Minute, s.TradeWeekends, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		logger.Infof("DailyScheduler: RunImmediately=true, execute once before alignment loop")
		task()
	}

	for {
		now := s.nowFn().UTC()
		next := s.nextRun(now)
		wait := next.Sub(now)
		uptime := now.Sub(startAt)

		logger.Infof("DailyScheduler: 下一次调仓=%s (in %s) | uptime=%s",
			next.Format(time.RFC3339), wait.Truncate(time.Second), uptime.Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("DailyScheduler: ctx done, exit")
			return
		case <-timer.C:
		}
		task()
	}
}

// nextRun 返回 now 之后最近的一个可交易触发时刻。
func (s *DailyScheduler) nextRun(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	for !s.tradeableDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *DailyScheduler) tradeableDay(t time.Time) bool {
	if s.TradeWeekends {
		return true
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
