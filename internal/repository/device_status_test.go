package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/cash-terminal/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DeviceStatusTestSuite 设备状态仓储测试套件
type DeviceStatusTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo DeviceStatusRepository
	ctx  context.Context
}

func (suite *DeviceStatusTestSuite) SetupTest() {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	suite.Require().NoError(err)
	suite.Require().NoError(db.AutoMigrate(&models.DeviceStatus{}))

	suite.db = db
	suite.repo = NewDeviceStatusRepository(db)
	suite.ctx = context.Background()
}

func (suite *DeviceStatusTestSuite) TearDownTest() {
	sqlDB, _ := suite.db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}

// 测试首次写入
func (suite *DeviceStatusTestSuite) TestUpsertCreates() {
	err := suite.repo.Upsert(suite.ctx, &models.DeviceStatus{
		DeviceName: "nv-front",
		Driver:     "nv",
		Mode:       "idle",
	})
	suite.NoError(err)

	got, err := suite.repo.FindByName(suite.ctx, "nv-front")
	suite.NoError(err)
	suite.Equal("nv", got.Driver)
	suite.Equal("idle", got.Mode)
	suite.False(got.Dead)
	suite.WithinDuration(time.Now(), got.LastSeenAt, 5*time.Second)
}

// 测试同名更新不产生新行
func (suite *DeviceStatusTestSuite) TestUpsertUpdatesInPlace() {
	suite.NoError(suite.repo.Upsert(suite.ctx, &models.DeviceStatus{
		DeviceName: "mdb-changer",
		Driver:     "mdb",
		Mode:       "idle",
	}))
	suite.NoError(suite.repo.Upsert(suite.ctx, &models.DeviceStatus{
		DeviceName: "mdb-changer",
		Driver:     "mdb",
		Mode:       "accept",
	}))

	all, err := suite.repo.List(suite.ctx)
	suite.NoError(err)
	suite.Len(all, 1)
	suite.Equal("accept", all[0].Mode)
}

// 测试判死标记
func (suite *DeviceStatusTestSuite) TestMarkDead() {
	suite.NoError(suite.repo.Upsert(suite.ctx, &models.DeviceStatus{
		DeviceName: "nv-front",
		Driver:     "nv",
		Mode:       "accept",
	}))

	suite.NoError(suite.repo.MarkDead(suite.ctx, "nv-front"))

	got, err := suite.repo.FindByName(suite.ctx, "nv-front")
	suite.NoError(err)
	suite.True(got.Dead)
}

// 测试过期筛选
func (suite *DeviceStatusTestSuite) TestStale() {
	suite.NoError(suite.repo.Upsert(suite.ctx, &models.DeviceStatus{
		DeviceName: "fresh",
		Driver:     "sim",
	}))

	// 手工做旧一台
	suite.NoError(suite.db.Model(&models.DeviceStatus{}).
		Where("device_name = ?", "fresh").
		Update("last_seen_at", time.Now().Add(-time.Hour)).Error)
	suite.NoError(suite.repo.Upsert(suite.ctx, &models.DeviceStatus{
		DeviceName: "alive",
		Driver:     "sim",
	}))

	stale, err := suite.repo.Stale(suite.ctx, 5*time.Minute)
	suite.NoError(err)
	suite.Len(stale, 1)
	suite.Equal("fresh", stale[0].DeviceName)
}

func (suite *DeviceStatusTestSuite) TestFindMissing() {
	_, err := suite.repo.FindByName(suite.ctx, "no-such-device")
	suite.Error(err)
}

func TestDeviceStatusSuite(t *testing.T) {
	suite.Run(t, new(DeviceStatusTestSuite))
}
