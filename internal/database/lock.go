package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wfunc/cash-terminal/internal/logger"
	"go.uber.org/zap"
)

const (
	migrationLockTimeout = 30 * time.Second
	staleLockAge         = 10 * time.Minute
)

// acquireMigrationLock 获取迁移锁
// 终端与cashd都会在启动时跑AutoMigrate，文件锁保证同一库上只跑一份
func acquireMigrationLock(dbPath string) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"
	deadline := time.Now().Add(migrationLockTimeout)

	for time.Now().Before(deadline) {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			logger.Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}

		// 持锁进程可能已死，过老的锁直接清掉重试
		if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > 5*time.Minute {
			logger.Warn("迁移锁过期，清除后重试", zap.String("lock", lockPath))
			os.Remove(lockPath)
			continue
		}

		time.Sleep(time.Second)
	}

	return nil, fmt.Errorf("等待迁移锁超时: %s", lockPath)
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
}

// getDBPath 取sqlite数据库文件路径，非sqlite返回空
func getDBPath() string {
	if DB == nil {
		return ""
	}

	switch DB.Dialector.Name() {
	case "sqlite", "sqlite3":
		if sqlDB, err := DB.DB(); err == nil {
			row := sqlDB.QueryRow("PRAGMA database_list")
			var seq int
			var name, file string
			if err := row.Scan(&seq, &name, &file); err == nil && file != "" {
				return file
			}
		}
		return "./data/cash-terminal.db"
	default:
		return ""
	}
}

// CleanupStaleLocks 清理残留的锁文件
// 异常退出的进程会留下迁移锁与设备锁，启动时扫一遍
func CleanupStaleLocks() {
	patterns := []string{
		"./data/*.lock",
		"./*.lock",
	}
	if dbPath := getDBPath(); dbPath != "" {
		patterns = append(patterns, dbPath+"*.lock")
	}

	for _, pattern := range patterns {
		matches, _ := filepath.Glob(pattern)
		for _, lockFile := range matches {
			info, err := os.Stat(lockFile)
			if err != nil || time.Since(info.ModTime()) <= staleLockAge {
				continue
			}
			logger.Info("清理残留锁文件", zap.String("file", lockFile))
			os.Remove(lockFile)
		}
	}
}
