package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Address 存储地址：设备名加子仓名
type Address struct {
	Device string
	Sub    string
}

// String 形如 "name.subindex"
func (a Address) String() string {
	return a.Device + "." + a.Sub
}

// ParseAddress 解析 "name.subindex"
func ParseAddress(s string) (Address, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return Address{}, errors.Newf(errors.ErrInvalidParam, "存储地址格式错误: %q", s)
	}
	return Address{Device: s[:idx], Sub: s[idx+1:]}, nil
}

// Store 现金账本存储
// 所有写操作在独占写事务内完成：读当前状态、计算新状态、追加条目必须串行
type Store struct {
	db *gorm.DB
}

// NewStore 创建现金账本存储
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetState 指定时刻（缺省为当前）某地址的现金状态
func (s *Store) GetState(ctx context.Context, addr Address, at *time.Time) (cash.State, error) {
	return lastState(s.db.WithContext(ctx), addr, at)
}

// lastState 在给定DB句柄（可能是事务）上读最近状态
func lastState(db *gorm.DB, addr Address, at *time.Time) (cash.State, error) {
	q := db.Model(&models.CashEntry{}).Where("device = ?", addr.String())
	if at != nil {
		q = q.Where("date <= ?", *at)
	}

	var entry models.CashEntry
	err := q.Order("id DESC").First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return cash.NewState(), nil
		}
		return cash.State{}, errors.Wrap(err, errors.ErrDatabaseQuery)
	}

	return cash.FromJSON(entry.State)
}

// SetState 追加一条绝对覆盖条目
func (s *Store) SetState(ctx context.Context, addr Address, newState cash.State, manual bool, comment string) error {
	if addr.Sub == models.LogSubIndex {
		return errors.New(errors.ErrLedgerKind, "log 子仓不允许 set")
	}
	return s.append(ctx, addr, newState, models.UpdateSet, manual, comment)
}

// AddToState 在独占写事务内读当前状态并追加增量条目
func (s *Store) AddToState(ctx context.Context, addr Address, delta cash.State, manual bool, comment string) error {
	if addr.Sub == models.LogSubIndex {
		return errors.New(errors.ErrLedgerKind, "log 子仓不允许 add")
	}

	return s.exclusive(ctx, func(tx *gorm.DB) error {
		current, err := lastState(tx, addr, nil)
		if err != nil {
			return err
		}
		newState := current.Add(delta)
		return appendTx(tx, addr, newState, models.UpdateAdd, manual, comment, time.Now())
	})
}

// Move 同一设备两个子仓间搬移单一面额，成对条目共享时间戳与备注
func (s *Store) Move(ctx context.Context, device, fromSub, toSub string, denom cash.Denomination, count int64, manual bool, comment string) error {
	if fromSub == toSub {
		return errors.New(errors.ErrInvalidParam, "搬移的源与目标子仓相同")
	}
	if fromSub == models.LogSubIndex || toSub == models.LogSubIndex {
		return errors.New(errors.ErrLedgerKind, "log 子仓不参与搬移")
	}

	delta, err := cash.Single(denom, count)
	if err != nil {
		return err
	}

	now := time.Now()
	return s.exclusive(ctx, func(tx *gorm.DB) error {
		from := Address{Device: device, Sub: fromSub}
		to := Address{Device: device, Sub: toSub}

		fromState, err := lastState(tx, from, nil)
		if err != nil {
			return err
		}
		toState, err := lastState(tx, to, nil)
		if err != nil {
			return err
		}

		if err := appendTx(tx, from, fromState.Sub(delta), models.UpdateMove, manual, comment, now); err != nil {
			return err
		}
		return appendTx(tx, to, toState.Add(delta), models.UpdateMove, manual, comment, now)
	})
}

// Log 在 log 子仓追加零状态备注条目
func (s *Store) Log(ctx context.Context, device string, comment string) error {
	addr := Address{Device: device, Sub: models.LogSubIndex}
	return s.append(ctx, addr, cash.NewState(), models.UpdateLog, true, comment)
}

// Check 比较某地址当前状态与期望状态，不写入
func (s *Store) Check(ctx context.Context, addr Address, expect cash.State) (bool, cash.State, error) {
	current, err := s.GetState(ctx, addr, nil)
	if err != nil {
		return false, cash.State{}, err
	}
	return current.Equal(expect), current, nil
}

// Entries 查询条目，时间范围边界包含，按id升序
func (s *Store) Entries(ctx context.Context, from, to *time.Time) ([]models.CashEntry, error) {
	q := s.db.WithContext(ctx).Model(&models.CashEntry{})
	if from != nil {
		q = q.Where("date >= ?", *from)
	}
	if to != nil {
		q = q.Where("date <= ?", *to)
	}

	var entries []models.CashEntry
	if err := q.Order("id").Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return entries, nil
}

// Addresses 返回出现过的所有存储地址
func (s *Store) Addresses(ctx context.Context) ([]Address, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&models.CashEntry{}).
		Distinct("device").Order("device").Pluck("device", &names).Error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}

	out := make([]Address, 0, len(names))
	for _, n := range names {
		addr, err := ParseAddress(n)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// TotalAt 指定时刻全部子仓状态的金额合计（log 子仓恒为零）
func (s *Store) TotalAt(ctx context.Context, at *time.Time) (int64, error) {
	addrs, err := s.Addresses(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, addr := range addrs {
		state, err := s.GetState(ctx, addr, at)
		if err != nil {
			return 0, err
		}
		total += state.Sum()
	}
	return total, nil
}

// append 单条目追加（无需读当前状态的类型）
func (s *Store) append(ctx context.Context, addr Address, state cash.State, kind string, manual bool, comment string) error {
	return s.exclusive(ctx, func(tx *gorm.DB) error {
		return appendTx(tx, addr, state, kind, manual, comment, time.Now())
	})
}

// appendTx 在事务内插入条目
func appendTx(tx *gorm.DB, addr Address, state cash.State, kind string, manual bool, comment string, at time.Time) error {
	stateJSON, err := state.ToJSON()
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert)
	}

	entry := models.CashEntry{
		Device:     addr.String(),
		Date:       at,
		State:      stateJSON,
		UpdateType: kind,
		IsManual:   manual,
		Comment:    comment,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert)
	}
	return nil
}

// exclusive 独占写事务
// sqlite 依赖单写者串行化；mysql/postgres 通过对最新条目加行锁保证读改写不交错
func (s *Store) exclusive(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() != "sqlite" {
			tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		return fn(tx)
	})
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return appErr
		}
		return errors.Wrap(err, errors.ErrTransaction)
	}
	return nil
}

// FormatEntry 人类可读的一行条目文本（操作员CLI使用）
func FormatEntry(e *models.CashEntry) string {
	state, err := cash.FromJSON(e.State)
	stateText := e.State
	if err == nil {
		stateText = state.String()
	}

	manual := " "
	if e.IsManual {
		manual = "M"
	}

	return fmt.Sprintf("%6d  %s  %s %-24s %-4s %s  %s",
		e.ID, e.Date.Format(time.RFC3339), manual, e.Device, e.UpdateType, stateText, e.Comment)
}
