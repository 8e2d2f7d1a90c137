package hardware

import (
	"context"
	"math/rand"

	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"github.com/wfunc/cash-terminal/internal/payout"
	"go.uber.org/zap"
)

// SimDriver 纯软件模拟驱动
// 无链路，随机产生收付事件，用于联调与测试
type SimDriver struct {
	cfg *config.DeviceConfig
	log *zap.Logger
	rng *rand.Rand

	denoms  []cash.Denomination // 模拟可收付的面额
	counts  map[cash.Denomination]int64
	planner *payout.TubePlanner

	accepting     bool
	acceptMax     int64
	acceptedTotal int64

	dispensing     bool
	dispenseRemain int64
	emptying       bool
}

// NewSimDriver 创建模拟驱动，初始库存每面额20枚
func NewSimDriver(cfg *config.DeviceConfig) *SimDriver {
	d := &SimDriver{
		cfg:     cfg,
		log:     logger.GetModuleLogger("hardware").With(zap.String("device", cfg.Name)),
		rng:     rand.New(rand.NewSource(int64(len(cfg.Name)) * 7919)),
		counts:  make(map[cash.Denomination]int64),
		planner: payout.NewTubePlanner(),
	}
	for _, v := range cfg.StoredDenoms {
		if denom, err := cash.NewDenomination(v); err == nil {
			d.denoms = append(d.denoms, denom)
			d.counts[denom] = 20
		}
	}
	if len(d.denoms) == 0 {
		d.denoms = []cash.Denomination{10, 50, 100, 200}
		for _, denom := range d.denoms {
			d.counts[denom] = 20
		}
	}
	return d
}

// Name 设备名
func (d *SimDriver) Name() string { return d.cfg.Name }

// Initialize 无链路，直接就绪
func (d *SimDriver) Initialize(ctx context.Context) error {
	d.log.Info("模拟设备就绪", zap.Int("denoms", len(d.denoms)))
	return nil
}

// Close 无资源
func (d *SimDriver) Close() error { return nil }

// CanAccept 模拟设备可收款
func (d *SimDriver) CanAccept() bool { return true }

// Busy 是否有在途活动
func (d *SimDriver) Busy() bool { return d.dispensing || d.emptying }

// CanPayout 把库存视作币管，复用管式规划器的保守承诺
func (d *SimDriver) CanPayout() (int64, int64) {
	return d.planner.Capability(d.tubes())
}

func (d *SimDriver) tubes() []payout.Tube {
	out := make([]payout.Tube, 0, len(d.denoms))
	for _, denom := range d.denoms {
		out = append(out, payout.Tube{Denom: denom, Count: d.counts[denom]})
	}
	return out
}

// Accept 开始收款
func (d *SimDriver) Accept(maxAmount int64) error {
	if d.dispensing || d.emptying {
		return errs.New(errs.ErrDeviceBusy)
	}
	d.accepting = true
	d.acceptMax = maxAmount
	d.acceptedTotal = 0
	return nil
}

// UpdateAccept 下调剩余额度
func (d *SimDriver) UpdateAccept(maxAmount int64) error {
	if maxAmount < d.acceptMax {
		d.acceptMax = maxAmount
	}
	return nil
}

// StopAccepting 停止收款
func (d *SimDriver) StopAccepting() error {
	d.accepting = false
	return nil
}

// Dispense 开始出款
func (d *SimDriver) Dispense(amount int64) error {
	if d.accepting || d.emptying || d.dispensing {
		return errs.New(errs.ErrDeviceBusy)
	}
	if amount <= 0 {
		return errs.New(errs.ErrInvalidAmount)
	}
	d.dispensing = true
	d.dispenseRemain = amount
	return nil
}

// Empty 服务模式：逐tick把库存搬进钱箱
func (d *SimDriver) Empty() error {
	if d.accepting || d.dispensing {
		return errs.New(errs.ErrDeviceBusy)
	}
	d.emptying = true
	return nil
}

// StopEmptying 退出服务模式
func (d *SimDriver) StopEmptying() error {
	d.emptying = false
	return nil
}

// Poll 每tick产生至多一个事件
func (d *SimDriver) Poll() ([]Event, error) {
	switch {
	case d.accepting:
		return d.pollAccept(), nil
	case d.dispensing:
		return d.pollDispense(), nil
	case d.emptying:
		return d.pollEmpty(), nil
	}
	return nil, nil
}

// pollAccept 约三分之二概率收到一枚随机面额
func (d *SimDriver) pollAccept() []Event {
	if d.rng.Intn(3) == 0 {
		return nil
	}

	remaining := d.acceptMax - d.acceptedTotal
	candidates := make([]cash.Denomination, 0, len(d.denoms))
	for _, denom := range d.denoms {
		if denom.Cents() <= remaining {
			candidates = append(candidates, denom)
		}
	}
	if len(candidates) == 0 {
		d.accepting = false
		return nil
	}

	denom := candidates[d.rng.Intn(len(candidates))]
	d.counts[denom]++
	d.acceptedTotal += denom.Cents()
	if d.acceptedTotal >= d.acceptMax {
		d.accepting = false
	}

	return []Event{{
		Kind:    EventReceived,
		Denom:   denom,
		Count:   1,
		Storage: tubeStorage(denom),
	}}
}

// pollDispense 按管式规划器出一步
func (d *SimDriver) pollDispense() []Event {
	denom, count := d.planner.DispenseStep(d.tubes(), d.dispenseRemain)
	if count == 0 {
		d.dispensing = false
		return nil
	}

	d.counts[denom] -= count
	d.dispenseRemain -= denom.Cents() * count
	if d.dispenseRemain <= 0 {
		d.dispensing = false
	}

	return []Event{{
		Kind:    EventDispensed,
		Denom:   denom,
		Count:   count,
		Storage: tubeStorage(denom),
	}}
}

// pollEmpty 每tick搬一种面额进钱箱
func (d *SimDriver) pollEmpty() []Event {
	for _, denom := range d.denoms {
		n := d.counts[denom]
		if n == 0 {
			continue
		}
		d.counts[denom] = 0
		return []Event{{
			Kind:  EventMoved,
			Denom: denom,
			Count: n,
			From:  tubeStorage(denom),
			To:    StorageCashbox,
		}}
	}
	d.emptying = false
	return nil
}

var _ Driver = (*SimDriver)(nil)
