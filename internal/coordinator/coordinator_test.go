package coordinator

import (
	"context"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/device"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/hardware"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/payout"
	"github.com/wfunc/cash-terminal/internal/supervisor"
	"gorm.io/gorm"
)

// scriptDriver 脚本化驱动：按预先给定的投币序列确定性产生事件
type scriptDriver struct {
	name     string
	denoms   []cash.Denomination // 降序
	counts   map[cash.Denomination]int64
	deposits []cash.Denomination
	planner  *payout.TubePlanner

	accepting bool
	acceptMax int64
	accepted  int64

	dispensing bool
	remain     int64
	emptying   bool
}

func newScriptDriver(name string, tubes map[int64]int64, deposits []int64) *scriptDriver {
	d := &scriptDriver{
		name:    name,
		counts:  make(map[cash.Denomination]int64),
		planner: payout.NewTubePlanner(),
	}
	for v, n := range tubes {
		denom, err := cash.NewDenomination(v)
		if err != nil {
			panic(err)
		}
		d.denoms = append(d.denoms, denom)
		d.counts[denom] = n
	}
	sort.Slice(d.denoms, func(i, j int) bool { return d.denoms[i] > d.denoms[j] })
	for _, v := range deposits {
		denom, err := cash.NewDenomination(v)
		if err != nil {
			panic(err)
		}
		d.deposits = append(d.deposits, denom)
	}
	return d
}

func (d *scriptDriver) Name() string                        { return d.name }
func (d *scriptDriver) Initialize(context.Context) error    { return nil }
func (d *scriptDriver) Close() error                        { return nil }
func (d *scriptDriver) CanAccept() bool                     { return true }
func (d *scriptDriver) Busy() bool                          { return d.dispensing || d.emptying }
func (d *scriptDriver) StopAccepting() error                { d.accepting = false; return nil }
func (d *scriptDriver) StopEmptying() error                 { d.emptying = false; return nil }

func (d *scriptDriver) tubes() []payout.Tube {
	out := make([]payout.Tube, 0, len(d.denoms))
	for _, denom := range d.denoms {
		out = append(out, payout.Tube{Denom: denom, Count: d.counts[denom]})
	}
	return out
}

func (d *scriptDriver) CanPayout() (int64, int64) {
	return d.planner.Capability(d.tubes())
}

func (d *scriptDriver) Accept(maxAmount int64) error {
	d.accepting = true
	d.acceptMax = maxAmount
	d.accepted = 0
	return nil
}

func (d *scriptDriver) UpdateAccept(maxAmount int64) error {
	if maxAmount < d.acceptMax {
		d.acceptMax = maxAmount
	}
	return nil
}

func (d *scriptDriver) Dispense(amount int64) error {
	d.dispensing = true
	d.remain = amount
	return nil
}

func (d *scriptDriver) Empty() error {
	d.emptying = true
	return nil
}

func (d *scriptDriver) Poll() ([]hardware.Event, error) {
	switch {
	case d.accepting:
		if len(d.deposits) == 0 {
			return nil, nil
		}
		denom := d.deposits[0]
		d.deposits = d.deposits[1:]
		storage := hardware.StorageCashbox
		if _, tracked := d.counts[denom]; tracked {
			d.counts[denom]++
			storage = tubeName(denom)
		}
		d.accepted += denom.Cents()
		if d.accepted >= d.acceptMax {
			d.accepting = false
		}
		return []hardware.Event{{
			Kind:    hardware.EventReceived,
			Denom:   denom,
			Count:   1,
			Storage: storage,
		}}, nil

	case d.dispensing:
		denom, count := d.planner.DispenseStep(d.tubes(), d.remain)
		if count == 0 {
			d.dispensing = false
			return nil, nil
		}
		d.counts[denom] -= count
		d.remain -= denom.Cents() * count
		if d.remain <= 0 {
			d.dispensing = false
		}
		return []hardware.Event{{
			Kind:    hardware.EventDispensed,
			Denom:   denom,
			Count:   count,
			Storage: tubeName(denom),
		}}, nil

	case d.emptying:
		for _, denom := range d.denoms {
			n := d.counts[denom]
			if n == 0 {
				continue
			}
			d.counts[denom] = 0
			return []hardware.Event{{
				Kind:  hardware.EventMoved,
				Denom: denom,
				Count: n,
				From:  tubeName(denom),
				To:    hardware.StorageCashbox,
			}}, nil
		}
		d.emptying = false
	}
	return nil, nil
}

var _ hardware.Driver = (*scriptDriver)(nil)

func tubeName(denom cash.Denomination) string {
	return fmt.Sprintf("%s%d", hardware.StorageTube, denom.Cents())
}

// 标准币管配置（S1/S2场景）
func standardTubes() map[int64]int64 {
	return map[int64]int64{
		200: 20, 100: 50, 50: 30, 20: 30, 10: 30, 5: 0, 2: 0, 1: 0,
	}
}

// newPipedClient 驱动→监管器→管道→客户端
func newPipedClient(t *testing.T, store *ledger.Store, drv hardware.Driver) *device.Client {
	writer, err := ledger.OpenWriter(store, drv.Name())
	require.NoError(t, err)
	t.Cleanup(writer.Close)

	sup := supervisor.New(drv, writer, nil)
	fromSup, supOut := io.Pipe()
	supIn, toSup := io.Pipe()
	go sup.Serve(supIn, supOut)
	t.Cleanup(func() { toSup.Close() })

	return device.NewClient(drv.Name(), device.NewPipeTransport(fromSup, toSup, toSup.Close), 5*time.Second)
}

type rig struct {
	db    *gorm.DB
	store *ledger.Store
	acct  accounting.Ledger
	coord *Coordinator
}

func newRig(t *testing.T, drivers ...hardware.Driver) *rig {
	db := ledger.SetupTestDB()
	store := ledger.NewStore(db)
	acct := accounting.New(db)

	clients := make([]*device.Client, 0, len(drivers))
	for _, drv := range drivers {
		clients = append(clients, newPipedClient(t, store, drv))
	}

	r := &rig{db: db, store: store, acct: acct, coord: New(clients, acct, nil)}
	r.pollUntil(t, "启动能力查询", func() bool { return r.coord.Mode() == ModeIdle })
	return r
}

func (r *rig) pollUntil(t *testing.T, what string, pred func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	ctx := context.Background()
	for time.Now().Before(deadline) {
		r.coord.Poll(ctx)
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("超时未达到: %s (mode=%s)", what, r.coord.Mode())
}

func (r *rig) settle(t *testing.T) *Result {
	r.pollUntil(t, "操作完成", func() bool { return r.coord.Mode() == ModeStopped })
	result := r.coord.Result()
	require.NotNil(t, result)
	assert.Equal(t, ModeIdle, r.coord.Mode())
	return result
}

// verifyMatches 现金账与会计账必须吻合
func (r *rig) verifyMatches(t *testing.T) {
	v := ledger.NewVerifier(r.store, r.acct, accounting.AccountCash, nil)
	res, err := v.Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.OK, "现金账%d 会计账%d", res.CashSum, res.AcctSum)
}

func TestAggregateCapability(t *testing.T) {
	cases := []struct {
		name        string
		caps        []Capability
		max, residue int64
	}{
		{"无设备", nil, 0, 0},
		{"单台", []Capability{{Max: 1000, Residue: 9}}, 1000, 9},
		{
			"细设备补粗设备残差",
			[]Capability{{Max: 1000, Residue: 9}, {Max: 5000, Residue: 999}},
			5001, 9,
		},
		{
			"细设备上限不足以覆盖残差则记零",
			[]Capability{{Max: 500, Residue: 9}, {Max: 5000, Residue: 999}},
			5000, 999,
		},
		{
			"空设备跳过",
			[]Capability{{Max: 5, Residue: 9}, {Max: 1000, Residue: 9}},
			1000, 9,
		},
		{
			"三级阶梯",
			[]Capability{
				{Max: 10000, Residue: 4999},
				{Max: 6000, Residue: 999},
				{Max: 1100, Residue: 9},
			},
			10000 + (6000 - 4999) + (1100 - 999), 9,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			max, residue := AggregateCapability(tc.caps)
			assert.Equal(t, tc.max, max)
			assert.Equal(t, tc.residue, residue)
		})
	}
}

// 聚合能力下界：对任意 x ≤ M_total，逐台贪心出款后欠款 ≤ R_total
func TestAggregateCapabilityLowerBound(t *testing.T) {
	planner := payout.NewTubePlanner()
	devices := [][]payout.Tube{
		{{Denom: 200, Count: 10}, {Denom: 100, Count: 10}},
		{{Denom: 50, Count: 20}, {Denom: 20, Count: 20}, {Denom: 10, Count: 20}},
		{{Denom: 10, Count: 5}, {Denom: 5, Count: 10}, {Denom: 1, Count: 30}},
	}

	caps := make([]Capability, len(devices))
	for i, tubes := range devices {
		max, residue := planner.Capability(tubes)
		caps[i] = Capability{Max: max, Residue: residue}
	}
	maxTotal, residueTotal := AggregateCapability(caps)
	require.Greater(t, maxTotal, int64(0))

	// 残差大的设备先出
	order := make([]int, len(devices))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return caps[order[a]].Residue > caps[order[b]].Residue
	})

	for x := residueTotal + 1; x <= maxTotal; x += 173 {
		remaining := x
		for _, i := range order {
			tubes := make([]payout.Tube, len(devices[i]))
			copy(tubes, devices[i])

			request := remaining
			if request > caps[i].Max {
				request = caps[i].Max
			}
			for request > 0 {
				denom, count := planner.DispenseStep(tubes, request)
				if count == 0 {
					break
				}
				for j := range tubes {
					if tubes[j].Denom == denom {
						tubes[j].Count -= count
					}
				}
				paid := denom.Cents() * count
				request -= paid
				remaining -= paid
			}
		}
		assert.LessOrEqual(t, remaining, residueTotal,
			"请求%d 实付%d", x, x-remaining)
	}
}

// S1：精确收款，一台找零机，投入合计恰好1337分
func TestPayinExact(t *testing.T) {
	drv := newScriptDriver("changer", standardTubes(),
		[]int64{1000, 200, 100, 20, 10, 5, 2})
	r := newRig(t, drv)

	require.NoError(t, r.coord.StartPayin(1337, 0))
	result := r.settle(t)

	assert.Equal(t, int64(1337), result.AmountIn)
	assert.Zero(t, result.AmountOut)
	assert.Zero(t, result.Residue)
	assert.True(t, result.Successful)

	// 每枚钱币一条账本条目
	entries, err := r.store.Entries(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 7)

	total, err := r.store.TotalAt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1337), total)
	r.verifyMatches(t)
}

// S2：溢付找零，投入2000，应收1337，找零663（残差内）
func TestPayinOverpayChange(t *testing.T) {
	drv := newScriptDriver("changer", standardTubes(), []int64{2000})
	r := newRig(t, drv)

	require.NoError(t, r.coord.StartPayin(1337, 500))
	result := r.settle(t)

	assert.Equal(t, int64(2000), result.AmountIn)
	assert.GreaterOrEqual(t, result.AmountOut, int64(663-9), "残差内找零")
	assert.LessOrEqual(t, result.AmountOut, int64(663))
	assert.Equal(t, 2000-1337-result.AmountOut, result.Residue)
	assert.True(t, result.Successful)

	// 机内现金 = 应收 + 不可退还残留
	total, err := r.store.TotalAt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1337+result.Residue, total)
	r.verifyMatches(t)
}

// 取消收款：已收金额全额退还（残差内）
func TestPayinCancelRefunds(t *testing.T) {
	drv := newScriptDriver("changer", standardTubes(), []int64{500})
	r := newRig(t, drv)

	require.NoError(t, r.coord.StartPayin(10000, 0))
	r.pollUntil(t, "已收到投币", func() bool { return r.coord.Mode() == ModePayin && r.coord.lastGlobal >= 500 })
	require.NoError(t, r.coord.Cancel())

	result := r.settle(t)
	assert.True(t, result.Canceled)
	assert.False(t, result.Successful)
	assert.Equal(t, int64(500), result.AmountIn)
	assert.GreaterOrEqual(t, result.AmountOut, int64(500-9))
	assert.Equal(t, result.AmountIn-result.AmountOut, result.Residue)
	r.verifyMatches(t)
}

// 双设备收款：各通道总额受跨设备限额约束，找零后守恒
func TestPayinTwoDevices(t *testing.T) {
	a := newScriptDriver("changer-a", standardTubes(),
		[]int64{200, 200, 200, 200, 200})
	b := newScriptDriver("changer-b", standardTubes(),
		[]int64{200, 200, 200, 200, 200})
	r := newRig(t, a, b)

	require.NoError(t, r.coord.StartPayin(1000, 0))
	result := r.settle(t)

	assert.True(t, result.Successful)
	assert.GreaterOrEqual(t, result.AmountIn, int64(1000))
	assert.LessOrEqual(t, result.AmountIn, int64(2000))
	// 守恒：实收 = 应收 + 实付找零 + 残留
	assert.Equal(t, result.AmountIn, 1000+result.AmountOut+result.Residue)
	r.verifyMatches(t)
}

// 独立出款
func TestStandalonePayout(t *testing.T) {
	drv := newScriptDriver("changer", standardTubes(), nil)
	r := newRig(t, drv)

	max, residue := r.coord.Capability()
	require.Greater(t, max, int64(500))

	require.NoError(t, r.coord.StartPayout(500))
	result := r.settle(t)

	assert.GreaterOrEqual(t, result.AmountOut, 500-residue)
	assert.LessOrEqual(t, result.AmountOut, int64(500))
	assert.True(t, result.Successful)

	total, err := r.store.TotalAt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, -result.AmountOut, total)
	r.verifyMatches(t)
}

// 清空模式：库存全部移入钱箱，设备总额不变
func TestEmptyMode(t *testing.T) {
	tubes := map[int64]int64{200: 5, 100: 5, 50: 5}
	drv := newScriptDriver("changer", tubes, nil)
	r := newRig(t, drv)

	require.NoError(t, r.coord.StartEmpty())
	result := r.settle(t)

	assert.True(t, result.Successful)
	assert.Equal(t, int64(5*200+5*100+5*50), result.Moved)

	total, err := r.store.TotalAt(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestModeViolations(t *testing.T) {
	drv := newScriptDriver("changer", standardTubes(), []int64{100})
	r := newRig(t, drv)

	// idle下取消被拒
	err := r.coord.Cancel()
	assert.True(t, errs.Is(err, errs.ErrCancelRejected))

	require.NoError(t, r.coord.StartPayin(100, 0))
	// 收款中不可再开操作
	assert.True(t, errs.Is(r.coord.StartPayin(100, 0), errs.ErrModeViolation))
	assert.True(t, errs.Is(r.coord.StartPayout(100), errs.ErrModeViolation))
	assert.True(t, errs.Is(r.coord.StartEmpty(), errs.ErrModeViolation))

	result := r.settle(t)
	assert.True(t, result.Successful)

	// 超出可保证范围的出款请求被拒
	max, _ := r.coord.Capability()
	assert.True(t, errs.Is(r.coord.StartPayout(max+100000), errs.ErrInvalidAmount))
}
