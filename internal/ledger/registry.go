package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/errors"
)

// registry 进程内写入者注册表
// 同一设备名在一个进程内只允许一个写入者，跨进程由文件锁保护
var registry = struct {
	mu    sync.Mutex
	names map[string]bool
}{names: map[string]bool{}}

// Writer 绑定到单一设备名的账本写入者
type Writer struct {
	store  *Store
	device string

	closeOnce sync.Once
}

// OpenWriter 注册设备名并返回写入者；重名返回 ErrLedgerConflict
func OpenWriter(store *Store, device string) (*Writer, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.names[device] {
		return nil, errors.Newf(errors.ErrLedgerConflict, "设备名 %q", device)
	}
	registry.names[device] = true

	return &Writer{store: store, device: device}, nil
}

// Close 注销设备名
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		registry.mu.Lock()
		defer registry.mu.Unlock()
		delete(registry.names, w.device)
	})
}

// Device 返回绑定的设备名
func (w *Writer) Device() string {
	return w.device
}

// GetState 读取子仓状态
func (w *Writer) GetState(ctx context.Context, sub string, at *time.Time) (cash.State, error) {
	return w.store.GetState(ctx, Address{Device: w.device, Sub: sub}, at)
}

// SetState 绝对覆盖子仓状态
func (w *Writer) SetState(ctx context.Context, sub string, state cash.State, manual bool, comment string) error {
	return w.store.SetState(ctx, Address{Device: w.device, Sub: sub}, state, manual, comment)
}

// Add 子仓增量
func (w *Writer) Add(ctx context.Context, sub string, delta cash.State, manual bool, comment string) error {
	return w.store.AddToState(ctx, Address{Device: w.device, Sub: sub}, delta, manual, comment)
}

// AddSingle 单一面额增量（驱动事件的常见形态）
func (w *Writer) AddSingle(ctx context.Context, sub string, denom cash.Denomination, count int64, manual bool, comment string) error {
	delta, err := cash.Single(denom, count)
	if err != nil {
		return err
	}
	return w.Add(ctx, sub, delta, manual, comment)
}

// Move 子仓间搬移
func (w *Writer) Move(ctx context.Context, fromSub, toSub string, denom cash.Denomination, count int64, manual bool, comment string) error {
	return w.store.Move(ctx, w.device, fromSub, toSub, denom, count, manual, comment)
}

// Log 备注条目
func (w *Writer) Log(ctx context.Context, comment string) error {
	return w.store.Log(ctx, w.device, comment)
}
