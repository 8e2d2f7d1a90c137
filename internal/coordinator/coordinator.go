package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/device"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"go.uber.org/zap"
)

// Mode 协调器模式
type Mode int

const (
	ModeStart        Mode = iota // 启动中，首轮能力查询未完成
	ModeIdle                     // 空闲
	ModeCanPayout                // 能力刷新中
	ModePayin                    // 收款中
	ModePayinStop                // 收款收尾，等全部设备停稳
	ModePayout                   // 出款中（逐台顺序）
	ModeEmpty                    // 清空模式
	ModeEmptyingStop             // 清空收尾
	ModeStopped                  // 操作完成，结果待取
)

// String 模式名
func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "start"
	case ModeIdle:
		return "idle"
	case ModeCanPayout:
		return "canPayout"
	case ModePayin:
		return "payin"
	case ModePayinStop:
		return "payinStop"
	case ModePayout:
		return "payout"
	case ModeEmpty:
		return "empty"
	case ModeEmptyingStop:
		return "emptyingStop"
	case ModeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Capability 单台设备的出款能力
type Capability struct {
	Name       string
	Max        int64 // 保证范围上限M（分，含）
	Residue    int64 // 可接受残差R（分）
	Acceptable bool  // 能否收款
}

// AggregateCapability 保守合并各设备能力
// 按残差从大到小排序；空设备跳过；更细的设备只有在其上限足以
// 覆盖当前残差时才并入，否则贡献记零
func AggregateCapability(caps []Capability) (max int64, residue int64) {
	sorted := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if c.Max <= c.Residue {
			continue
		}
		sorted = append(sorted, c)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Residue > sorted[j].Residue
	})

	if len(sorted) == 0 {
		return 0, 0
	}
	max, residue = sorted[0].Max, sorted[0].Residue
	for _, c := range sorted[1:] {
		if c.Residue <= residue && c.Max >= residue {
			max += c.Max - residue
			residue = c.Residue
		}
	}
	return max, residue
}

// Event 推送给事件订阅方（GUI）的协调器事件
type Event struct {
	Kind   string    `json:"kind"`
	Device string    `json:"device,omitempty"`
	Amount int64     `json:"amount,omitempty"`
	Mode   string    `json:"mode"`
	Time   time.Time `json:"time"`
}

// 事件类型
const (
	EvPayinStarted   = "payin_started"
	EvPayinProgress  = "payin_progress"
	EvDeviceReceived = "device_received"
	EvPayinStopped   = "payin_stopped"
	EvPayoutStarted  = "payout_started"
	EvPayoutDevice   = "payout_device"
	EvPayoutFinished = "payout_finished"
	EvEmptyStarted   = "empty_started"
	EvEmptyFinished  = "empty_finished"
	EvCanceled       = "canceled"
	EvDeviceDead     = "device_dead"
	EvFinished       = "finished"
)

// Sink 事件出口；Publish不得阻塞
type Sink interface {
	Publish(Event)
}

// Result 一次收付款操作的最终结果
type Result struct {
	Requested  int64 `json:"requested"`   // 应收金额（分）
	AmountIn   int64 `json:"amount_in"`   // 实收
	AmountOut  int64 `json:"amount_out"`  // 实付（找零/退款/出款）
	Residue    int64 `json:"residue"`     // 不可退还残留
	Successful bool  `json:"successful"`  // 实收达到应收且未取消
	Canceled   bool  `json:"canceled"`    // 用户取消
	Moved      int64 `json:"moved"`       // 清空模式移入钱箱的金额
}

// Coordinator 支付协调器
// 把收付款扇出到全部设备客户端，聚合总额，保证跨设备限额；
// 单线程协作式：所有推进都发生在Poll内，严禁阻塞
type Coordinator struct {
	clients []*device.Client
	acct    accounting.Ledger
	sink    Sink
	log     *zap.Logger

	mode Mode
	caps map[string]Capability

	// 收款
	requested    int64
	maxIn        int64 // requested+允许溢付
	lastGlobal   int64
	canceled     bool
	acceptors    []*device.Client
	lastDevTotal map[string]int64

	// 出款
	payTarget int64
	amountIn  int64
	amountOut int64
	payQueue  []*device.Client
	active    *device.Client
	asChange  bool // 本轮出款是收款的找零/退款

	result *Result
}

// New 创建协调器；acct与sink可为nil（不记账/不推送）
func New(clients []*device.Client, acct accounting.Ledger, sink Sink) *Coordinator {
	c := &Coordinator{
		clients: clients,
		acct:    acct,
		sink:    sink,
		log:     logger.GetModuleLogger("coordinator"),
		mode:    ModeStart,
		caps:    make(map[string]Capability),
	}
	for _, cl := range clients {
		if err := cl.QueryCapabilities(); err != nil {
			c.log.Warn("启动能力查询失败", zap.String("device", cl.Name()), zap.Error(err))
		}
	}
	return c
}

// Mode 当前模式
func (c *Coordinator) Mode() Mode { return c.mode }

// Busy 是否处于活跃操作（决定tick快慢）
func (c *Coordinator) Busy() bool {
	return c.mode != ModeIdle && c.mode != ModeStart
}

// Clients 全部设备客户端
func (c *Coordinator) Clients() []*device.Client { return c.clients }

// Capability 聚合出款能力（基于缓存的各设备能力）
func (c *Coordinator) Capability() (max int64, residue int64) {
	caps := make([]Capability, 0, len(c.caps))
	for _, cap := range c.caps {
		caps = append(caps, cap)
	}
	return AggregateCapability(caps)
}

// RefreshCapabilities 重新查询各设备能力；完成后回到idle
func (c *Coordinator) RefreshCapabilities() error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	for _, cl := range c.livingClients() {
		if err := cl.QueryCapabilities(); err != nil {
			return err
		}
	}
	c.mode = ModeCanPayout
	return nil
}

// StartPayin 开始收款：应收requested分，允许溢付overpayment分
// 对每台可收款设备下发accept，之后逐tick做限额再分配
func (c *Coordinator) StartPayin(requested, overpayment int64) error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	if requested <= 0 || overpayment < 0 {
		return errs.Newf(errs.ErrInvalidAmount, "requested=%d overpayment=%d", requested, overpayment)
	}

	c.acceptors = c.acceptors[:0]
	for _, cl := range c.livingClients() {
		if cap, ok := c.caps[cl.Name()]; ok && !cap.Acceptable {
			continue
		}
		c.acceptors = append(c.acceptors, cl)
	}
	if len(c.acceptors) == 0 {
		return errs.New(errs.ErrNoAcceptor)
	}

	c.requested = requested
	c.maxIn = requested + overpayment
	c.amountIn = 0
	c.amountOut = 0
	c.lastGlobal = 0
	c.canceled = false
	c.result = nil
	c.lastDevTotal = make(map[string]int64, len(c.acceptors))

	for _, cl := range c.acceptors {
		if err := cl.Accept(c.maxIn); err != nil {
			c.log.Error("下发accept失败", zap.String("device", cl.Name()), zap.Error(err))
		}
	}
	c.mode = ModePayin
	c.publish(Event{Kind: EvPayinStarted, Amount: requested})
	c.log.Info("收款开始",
		zap.Int64("requested", requested),
		zap.Int64("max", c.maxIn))
	return nil
}

// StartPayout 开始出款（独立出款，不可取消）
func (c *Coordinator) StartPayout(amount int64) error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	max, _ := c.Capability()
	if amount <= 0 || amount > max {
		return errs.Newf(errs.ErrInvalidAmount, "请求%d超出可保证范围%d", amount, max)
	}

	c.requested = 0
	c.amountIn = 0
	c.amountOut = 0
	c.canceled = false
	c.asChange = false
	c.result = nil
	c.beginPayout(amount)
	return nil
}

// StartEmpty 进入清空服务模式（全部设备）
func (c *Coordinator) StartEmpty() error {
	if err := c.requireIdle(); err != nil {
		return err
	}
	c.amountIn = 0
	c.amountOut = 0
	c.result = nil
	for _, cl := range c.livingClients() {
		if err := cl.Empty(); err != nil {
			c.log.Error("下发empty失败", zap.String("device", cl.Name()), zap.Error(err))
		}
	}
	c.mode = ModeEmpty
	c.publish(Event{Kind: EvEmptyStarted})
	return nil
}

// Cancel 取消当前操作
// 收款在进入payinStop前可取消（已收金额全额退还）；
// 出款不可取消；清空可随时退出
func (c *Coordinator) Cancel() error {
	switch c.mode {
	case ModePayin:
		c.canceled = true
		c.stopAccepting()
		c.publish(Event{Kind: EvCanceled})
		c.log.Info("收款被取消", zap.Int64("global", c.lastGlobal))
		return nil
	case ModeEmpty:
		for _, cl := range c.livingClients() {
			cl.StopEmptying()
		}
		c.mode = ModeEmptyingStop
		return nil
	default:
		return errs.Newf(errs.ErrCancelRejected, "当前模式%s", c.mode)
	}
}

// Result 操作完成后取走结果并回到idle；未完成时返回nil
func (c *Coordinator) Result() *Result {
	if c.mode != ModeStopped {
		return nil
	}
	r := c.result
	c.result = nil
	c.mode = ModeIdle
	return r
}

// Poll 推进一个tick：轮询全部客户端并驱动模式机
func (c *Coordinator) Poll(ctx context.Context) {
	for _, cl := range c.clients {
		if cl.Dead() {
			continue
		}
		if err := cl.Poll(); err != nil {
			c.log.Warn("设备轮询出错",
				zap.String("device", cl.Name()),
				zap.Error(err))
		}
		if cl.Dead() {
			c.publish(Event{Kind: EvDeviceDead, Device: cl.Name()})
		}
	}

	switch c.mode {
	case ModeStart, ModeCanPayout:
		c.pollCapabilities()
	case ModePayin:
		c.pollPayin()
	case ModePayinStop:
		c.pollPayinStop()
	case ModePayout:
		c.pollPayout(ctx)
	case ModeEmpty, ModeEmptyingStop:
		c.pollEmpty()
	}
}

// pollCapabilities 等全部存活设备的能力查询完成
func (c *Coordinator) pollCapabilities() {
	for _, cl := range c.livingClients() {
		max, residue, capOK := cl.Capability()
		acceptable, accOK := cl.Acceptable()
		if !capOK || !accOK {
			return
		}
		c.caps[cl.Name()] = Capability{
			Name:       cl.Name(),
			Max:        max,
			Residue:    residue,
			Acceptable: acceptable,
		}
	}
	c.mode = ModeIdle
}

// pollPayin 聚合运行总额并做跨设备限额再分配
func (c *Coordinator) pollPayin() {
	global := c.globalTotal()
	if global != c.lastGlobal {
		c.lastGlobal = global
		c.publish(Event{Kind: EvPayinProgress, Amount: global})
	}
	for _, cl := range c.acceptors {
		if delta := cl.Total() - c.lastDevTotal[cl.Name()]; delta > 0 {
			c.lastDevTotal[cl.Name()] = cl.Total()
			c.publish(Event{Kind: EvDeviceReceived, Device: cl.Name(), Amount: delta})
		}
	}

	// 设备D′的剩余额度 = G − (全局总额 − D′已收)，
	// 防止单一通道收超合并上限
	for _, cl := range c.acceptors {
		if cl.Dead() {
			continue
		}
		allowance := c.maxIn - (global - cl.Total())
		if allowance < c.maxIn {
			cl.UpdateAccept(allowance)
		}
	}

	if global >= c.requested {
		c.stopAccepting()
	}
}

// pollPayinStop 等全部收款设备停稳，然后结算并视需要找零
func (c *Coordinator) pollPayinStop() {
	var sum int64
	for _, cl := range c.acceptors {
		if cl.Dead() {
			sum += cl.Total() // 失联设备按最后已知总额计
			continue
		}
		final, ok := cl.FinalTotal()
		if !ok {
			return // 还有设备未停稳
		}
		sum += final
	}

	c.amountIn = sum
	for _, cl := range c.acceptors {
		if !cl.Dead() {
			if err := cl.Reset(); err != nil {
				c.log.Error("客户端复位失败", zap.String("device", cl.Name()), zap.Error(err))
			}
		}
	}
	c.publish(Event{Kind: EvPayinStopped, Amount: sum})
	c.log.Info("收款结束",
		zap.Int64("amount_in", sum),
		zap.Bool("canceled", c.canceled))

	// 取消或未收够：全额退还；否则找零
	refund := sum - c.saleAmount()
	if refund > 0 && c.anyAlive() {
		c.asChange = true
		c.beginPayout(refund)
		return
	}
	c.finishPayment()
}

// pollPayout 顺序驱动出款队列
func (c *Coordinator) pollPayout(ctx context.Context) {
	if c.active != nil {
		if c.active.Dead() {
			c.log.Error("出款设备失联", zap.String("device", c.active.Name()))
			c.active = nil
		} else if final, ok := c.active.FinalTotal(); ok {
			c.amountOut += final
			c.publish(Event{Kind: EvPayoutDevice, Device: c.active.Name(), Amount: final})
			if err := c.active.Reset(); err != nil {
				c.log.Error("客户端复位失败", zap.String("device", c.active.Name()), zap.Error(err))
			}
			c.active = nil
		} else {
			return // 仍在出款
		}
	}

	remaining := c.payTarget - c.amountOut
	for c.active == nil && len(c.payQueue) > 0 && remaining > 0 {
		next := c.payQueue[0]
		c.payQueue = c.payQueue[1:]
		if next.Dead() {
			continue
		}

		request := remaining
		if cap, ok := c.caps[next.Name()]; ok {
			if cap.Max <= cap.Residue {
				continue
			}
			if request > cap.Max {
				request = cap.Max
			}
		}
		if err := next.Dispense(request); err != nil {
			c.log.Error("下发dispense失败", zap.String("device", next.Name()), zap.Error(err))
			continue
		}
		c.active = next
	}

	if c.active == nil {
		c.finishPayout(ctx)
	}
}

// pollEmpty 等全部设备清空停稳
func (c *Coordinator) pollEmpty() {
	var moved int64
	for _, cl := range c.livingClients() {
		final, ok := cl.FinalTotal()
		if !ok {
			return
		}
		moved += final
	}
	for _, cl := range c.livingClients() {
		if err := cl.Reset(); err != nil {
			c.log.Error("客户端复位失败", zap.String("device", cl.Name()), zap.Error(err))
		}
	}
	c.result = &Result{Successful: true, Moved: moved}
	c.mode = ModeStopped
	c.publish(Event{Kind: EvEmptyFinished, Amount: moved})
	c.log.Info("清空完成", zap.Int64("moved", moved))
}

// beginPayout 构建出款队列（残差大的设备先出）并进入payout
func (c *Coordinator) beginPayout(amount int64) {
	c.payTarget = amount
	c.payQueue = c.payQueue[:0]
	for _, cl := range c.livingClients() {
		c.payQueue = append(c.payQueue, cl)
	}
	sort.SliceStable(c.payQueue, func(i, j int) bool {
		return c.caps[c.payQueue[i].Name()].Residue > c.caps[c.payQueue[j].Name()].Residue
	})
	c.mode = ModePayout
	c.publish(Event{Kind: EvPayoutStarted, Amount: amount})
	c.log.Info("出款开始", zap.Int64("amount", amount))
}

// finishPayout 出款收尾
func (c *Coordinator) finishPayout(ctx context.Context) {
	c.publish(Event{Kind: EvPayoutFinished, Amount: c.amountOut})
	if c.asChange {
		c.finishPayment()
		return
	}

	// 独立出款：机内现金减少，记一笔现金支出
	if c.acct != nil && c.amountOut > 0 {
		err := c.acct.PostDoubleEntry(ctx, time.Now(),
			accounting.AccountPayout, accounting.AccountCash,
			c.amountOut, "", "Barauszahlung")
		if err != nil {
			c.log.Error("出款记账失败", zap.Error(err))
		}
	}
	c.result = &Result{
		AmountOut:  c.amountOut,
		Successful: c.amountOut >= c.payTarget-c.payoutResidue(),
	}
	c.mode = ModeStopped
	c.publish(Event{Kind: EvFinished})
}

// finishPayment 收款（含找零）收尾：结算、记账、产出结果
func (c *Coordinator) finishPayment() {
	sale := c.saleAmount()
	residue := c.amountIn - c.amountOut - sale
	result := &Result{
		Requested:  c.requested,
		AmountIn:   c.amountIn,
		AmountOut:  c.amountOut,
		Residue:    residue,
		Successful: !c.canceled && c.amountIn >= c.requested,
		Canceled:   c.canceled,
	}

	if c.acct != nil {
		ctx := context.Background()
		now := time.Now()
		if sale > 0 {
			err := c.acct.PostDoubleEntry(ctx, now,
				accounting.AccountCash, accounting.AccountSales,
				sale, "", "Barverkauf")
			if err != nil {
				c.log.Error("销售记账失败", zap.Error(err))
			}
		}
		if residue > 0 {
			err := c.acct.PostDoubleEntry(ctx, now,
				accounting.AccountCash, accounting.AccountResidue,
				residue, "", "Unverwendbare Überzahlung")
			if err != nil {
				c.log.Error("残留记账失败", zap.Error(err))
			}
		}
	}

	c.result = result
	c.mode = ModeStopped
	c.publish(Event{Kind: EvFinished, Amount: result.AmountIn - result.AmountOut})
	c.log.Info("收付款完成",
		zap.Int64("amount_in", result.AmountIn),
		zap.Int64("amount_out", result.AmountOut),
		zap.Int64("residue", result.Residue),
		zap.Bool("successful", result.Successful))
}

// saleAmount 本次操作最终入账的销售额
func (c *Coordinator) saleAmount() int64 {
	if c.canceled || c.amountIn < c.requested {
		return 0
	}
	return c.requested
}

// payoutResidue 当前出款队列配置下的聚合残差
func (c *Coordinator) payoutResidue() int64 {
	_, residue := c.Capability()
	return residue
}

func (c *Coordinator) stopAccepting() {
	for _, cl := range c.acceptors {
		if !cl.Dead() {
			cl.StopAccepting()
		}
	}
	c.mode = ModePayinStop
}

func (c *Coordinator) globalTotal() int64 {
	var sum int64
	for _, cl := range c.acceptors {
		sum += cl.Total()
	}
	return sum
}

func (c *Coordinator) livingClients() []*device.Client {
	out := make([]*device.Client, 0, len(c.clients))
	for _, cl := range c.clients {
		if !cl.Dead() {
			out = append(out, cl)
		}
	}
	return out
}

func (c *Coordinator) anyAlive() bool {
	return len(c.livingClients()) > 0
}

func (c *Coordinator) requireIdle() error {
	if c.mode != ModeIdle {
		return errs.Newf(errs.ErrModeViolation, "当前模式%s", c.mode)
	}
	return nil
}

func (c *Coordinator) publish(ev Event) {
	if c.sink == nil {
		return
	}
	ev.Mode = c.mode.String()
	ev.Time = time.Now()
	c.sink.Publish(ev)
}
