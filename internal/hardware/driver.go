package hardware

import (
	"context"
	"fmt"

	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/config"
)

// 仓位名（与账本sub_index一致）
const (
	StorageStack   = "stack"   // 纸钞循环仓
	StorageCashbox = "cashbox" // 固定钱箱
	StorageTube    = "tube"    // 币管前缀，如 tube200
	StorageHopper  = "hopper"  // 外接出币器
)

// EventKind 驱动事件类型
type EventKind int

const (
	EventReceived EventKind = iota // 收到一枚硬币/一张纸钞
	EventDispensed                 // 付出一枚硬币/一张纸钞
	EventMoved                     // 仓位间内部移动（如压入钱箱）
	EventWarning                   // 需记录但不中断的设备告警
	EventFatal                     // 致命故障，当前操作必须失败
	EventReset                     // 设备自述刚复位
)

// String 事件类型名
func (k EventKind) String() string {
	switch k {
	case EventReceived:
		return "received"
	case EventDispensed:
		return "dispensed"
	case EventMoved:
		return "moved_internally"
	case EventWarning:
		return "warning"
	case EventFatal:
		return "fatal"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event 驱动向上层上报的单个事件
// 钱币事件按设备产生顺序上报；Storage/From/To为仓位名
type Event struct {
	Kind    EventKind
	Denom   cash.Denomination
	Count   int64
	Storage string // received/dispensed 涉及的仓位
	From    string // moved 源仓位
	To      string // moved 目标仓位
	Code    byte   // 设备原始事件码
	Message string
}

// Driver 单个物理设备驱动
// 所有方法在监管进程的单线程tick中调用，不允许内部并发；
// Poll负责推进链路与内部状态机，其余方法只登记意图
type Driver interface {
	// Name 设备名（进程内唯一）
	Name() string

	// Initialize 打开链路、握手并协商能力
	Initialize(ctx context.Context) error

	// Close 释放链路
	Close() error

	// CanAccept 该设备是否可收款
	CanAccept() bool

	// CanPayout 报告 (M, R)：任意请求 x ≤ M 保证实付 ≥ x − R
	CanPayout() (max int64, residue int64)

	// Poll 泵一次链路，推进状态机，返回本次产生的事件
	Poll() ([]Event, error)

	// Accept 开始收款，收满maxAmount后自动停止
	Accept(maxAmount int64) error

	// UpdateAccept 下调剩余收款额度
	UpdateAccept(maxAmount int64) error

	// StopAccepting 请求停止收款（在途钱币仍会上报）
	StopAccepting() error

	// Dispense 请求出款至多amount分，可能少付
	Dispense(amount int64) error

	// Empty 服务模式：清空内部循环仓至钱箱
	Empty() error

	// StopEmptying 退出服务模式
	StopEmptying() error

	// Busy 是否仍有在途活动（出款中/收款未停稳）
	Busy() bool
}

// New 按配置创建驱动
func New(cfg *config.DeviceConfig) (Driver, error) {
	switch cfg.Driver {
	case "nv":
		return NewNVDriver(cfg), nil
	case "mdb":
		return NewMDBDriver(cfg), nil
	case "sim":
		return NewSimDriver(cfg), nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", cfg.Driver)
	}
}
