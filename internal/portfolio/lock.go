package portfolio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"ballast/internal/logger"
)

// AcquireRunLock 以独占创建锁文件的方式保证同一状态目录同时只有一次运行。
// 返回的释放函数幂等。持有者进程已死时接管旧锁（一次）。
func AcquireRunLock(path string) (release func(), err error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("lock path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建锁目录失败: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Sync()
			_ = f.Close()
			var released bool
			return func() {
				if released {
					return
				}
				released = true
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					logger.Warnf("释放运行锁失败: %v", err)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("创建运行锁失败: %w", err)
		}
		pid, readErr := readLockPid(path)
		if readErr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("另一次运行持有锁 (pid=%d, %s)", pid, path)
		}
		// 持有者已不在，接管陈旧锁
		logger.Warnf("运行锁 %s 的持有者已退出 (pid=%d)，接管", path, pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("清理陈旧运行锁失败: %w", err)
		}
	}
	return nil, fmt.Errorf("获取运行锁失败: %s", path)
}

func readLockPid(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

// processAlive 用信号 0 探测进程是否存在。
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
