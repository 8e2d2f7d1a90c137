package models

import (
	"time"
)

// 账本条目类型
const (
	UpdateSet  = "set"  // 绝对覆盖
	UpdateAdd  = "add"  // 增量
	UpdateMove = "move" // 同设备子仓间搬移（成对出现）
	UpdateLog  = "log"  // 纯备注条目，只允许出现在 log 子仓
)

// LogSubIndex 备注子仓的保留名，状态必须为空
const LogSubIndex = "log"

// CashEntry 现金账本条目表
// 条目一经写入不再修改；Device 形如 "name.subindex"；
// State 为该次操作之后的绝对现金状态（JSON，键为分值字符串）
type CashEntry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Device     string    `gorm:"column:device;size:100;not null;index" json:"device"`
	Date       time.Time `gorm:"column:date;not null;index" json:"date"`
	State      string    `gorm:"column:state;type:text;not null" json:"state"`
	UpdateType string    `gorm:"column:updateType;size:10;not null" json:"update_type"`
	IsManual   bool      `gorm:"column:isManual;not null" json:"is_manual"`
	Comment    string    `gorm:"column:comment;size:500" json:"comment"`
}

// TableName 指定表名
func (CashEntry) TableName() string {
	return "cash"
}

// Posting 会计账分录表（复式记账的一半）
type Posting struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Date      time.Time `gorm:"not null;index" json:"date"`
	Account   string    `gorm:"size:100;not null;index" json:"account"`
	Amount    int64     `gorm:"not null" json:"amount"` // 分，借正贷负
	Reference string    `gorm:"size:64;index" json:"reference"`
	Comment   string    `gorm:"size:500" json:"comment"`
}

// DeviceStatus 设备状态表
type DeviceStatus struct {
	BaseModel
	DeviceName string    `gorm:"uniqueIndex;size:100;not null" json:"device_name"`
	Driver     string    `gorm:"size:50" json:"driver"` // nv, mdb, sim
	Mode       string    `gorm:"size:20" json:"mode"`
	Dead       bool      `gorm:"default:false" json:"dead"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Extra      JSONMap   `gorm:"type:json" json:"extra"`
}

// Operator 操作员表（管理API登录）
type Operator struct {
	BaseModel
	Username     string     `gorm:"uniqueIndex;size:50;not null" json:"username"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	Role         string     `gorm:"size:20;default:'operator'" json:"role"` // operator, admin
	Status       string     `gorm:"size:20;default:'active'" json:"status"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}
