package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"go.uber.org/zap"
)

// DeviceLock 设备独占锁
// 每个监管进程在启动时获取 cash-<设备名>.lock，进程生命周期内持有，
// 保证一条串口链路只被一个驱动实例占用
type DeviceLock struct {
	path string
	file *os.File
}

// AcquireDeviceLock 获取设备锁；持有者进程仍存活时失败
func AcquireDeviceLock(dir, device string) (*DeviceLock, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("cash-%s.lock", device))

	for attempt := 0; attempt < 2; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			fmt.Fprintf(file, "%d\n", os.Getpid())
			logger.Debug("获取设备锁", zap.String("lock", path))
			return &DeviceLock{path: path, file: file}, nil
		}

		// 持有者已死则清理陈旧锁重试
		if staleLock(path) {
			logger.Warn("清理陈旧设备锁", zap.String("lock", path))
			os.Remove(path)
			continue
		}
		break
	}

	return nil, errs.Newf(errs.ErrLockHeld, "设备%s已被其他进程占用", device)
}

// Release 释放锁
func (l *DeviceLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	l.file.Close()
	os.Remove(l.path)
	l.file = nil
	logger.Debug("释放设备锁", zap.String("lock", l.path))
}

// staleLock 锁文件中的pid进程是否已不存在
func staleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}
