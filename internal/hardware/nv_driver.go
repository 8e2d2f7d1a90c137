package hardware

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"github.com/wfunc/cash-terminal/internal/payout"
	"go.uber.org/zap"
)

// 主机协议版本（≥6才有金额事件的国别码）
const nvHostProtocolVersion = 7

// NVDriver 栈式纸钞循环机驱动
// 设备持有LIFO纸钞栈：栈顶可付出或不可逆压入钱箱；
// 其余面额直接进钱箱。链路为0x7F帧 + CRC16 + AES加密信道
type NVDriver struct {
	cfg    *config.DeviceConfig
	log    *zap.Logger
	port   SerialPort
	reader *nvFrameReader
	seq    bool
	cipher *nvCipher

	channelDenom map[byte]cash.Denomination // 通道号→面额
	storedDenoms map[cash.Denomination]bool // 进循环仓的面额
	planner      *payout.StackPlanner

	// 设备纸钞栈镜像（栈顶在最后），由事件与初始查询维护
	stack []cash.Denomination

	accepting     bool
	acceptMax     int64
	acceptedTotal int64
	noteInFlight  bool

	dispensing       bool
	dispenseRemain   int64
	actionPending    bool // 已下发payout/stack指令，等事件确认
	emptying         bool
	expectReset      bool
	initialized      bool
}

// NewNVDriver 创建驱动（Initialize前不碰串口）
func NewNVDriver(cfg *config.DeviceConfig) *NVDriver {
	stored := make(map[cash.Denomination]bool, len(cfg.StoredDenoms))
	var smallest int64
	for _, d := range cfg.StoredDenoms {
		stored[cash.Denomination(d)] = true
		if smallest == 0 || d < smallest {
			smallest = d
		}
	}
	residue := int64(0)
	if smallest > 0 {
		residue = smallest - 1
	}

	return &NVDriver{
		cfg:          cfg,
		log:          logger.GetModuleLogger("hardware").With(zap.String("device", cfg.Name)),
		channelDenom: make(map[byte]cash.Denomination),
		storedDenoms: stored,
		planner:      payout.NewStackPlanner(residue),
	}
}

// SetPort 注入串口（测试用）
func (d *NVDriver) SetPort(port SerialPort) {
	d.port = port
	d.reader = newNVFrameReader(port)
}

// Name 设备名
func (d *NVDriver) Name() string { return d.cfg.Name }

// CanAccept 纸钞机可收款
func (d *NVDriver) CanAccept() bool { return true }

// CanPayout 基于栈镜像的保守承诺
func (d *NVDriver) CanPayout() (int64, int64) {
	return d.planner.Capability(d.stack)
}

// Busy 是否有在途活动
func (d *NVDriver) Busy() bool {
	return d.dispensing || d.emptying || d.noteInFlight || d.actionPending
}

// Initialize 建链：同步、版本协商、通道表、密钥交换、面额路由
func (d *NVDriver) Initialize(ctx context.Context) error {
	if d.port == nil {
		port, err := OpenPort(&d.cfg.Serial)
		if err != nil {
			return err
		}
		d.port = port
		d.reader = newNVFrameReader(port)
	}

	d.seq = false
	if _, err := d.command(ctx, []byte{NVCmdSync}); err != nil {
		return err
	}
	if _, err := d.command(ctx, []byte{NVCmdHostProtocol, nvHostProtocolVersion}); err != nil {
		return err
	}

	if err := d.readSetup(ctx); err != nil {
		return err
	}
	if err := d.keyExchange(ctx); err != nil {
		return err
	}
	if err := d.routeDenominations(ctx); err != nil {
		return err
	}
	if _, err := d.command(ctx, []byte{NVCmdEnablePayout}); err != nil {
		return err
	}
	if err := d.readNotePositions(ctx); err != nil {
		return err
	}
	// 初始为禁止收钞
	if _, err := d.command(ctx, []byte{NVCmdDisable}); err != nil {
		return err
	}

	d.initialized = true
	d.log.Info("纸钞机初始化完成",
		zap.Int("channels", len(d.channelDenom)),
		zap.Int("stack_notes", len(d.stack)))
	return nil
}

// Close 释放串口
func (d *NVDriver) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// readSetup 读取通道表：应答 [OK][机型][通道数n][面额4字节小端]×n
func (d *NVDriver) readSetup(ctx context.Context) error {
	resp, err := d.command(ctx, []byte{NVCmdSetup})
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return errs.New(errs.ErrProtocolAssertion, "setup应答过短")
	}
	n := int(resp[1])
	if len(resp) < 2+4*n {
		return errs.New(errs.ErrProtocolAssertion, "setup通道表不完整")
	}
	for i := 0; i < n; i++ {
		v := int64(binary.LittleEndian.Uint32(resp[2+4*i:]))
		denom, err := cash.NewDenomination(v)
		if err != nil {
			return errs.Wrap(err, errs.ErrProtocolAssertion, "设备上报非法面额")
		}
		d.channelDenom[byte(i+1)] = denom
	}
	return nil
}

// keyExchange 协商加密信道
func (d *NVDriver) keyExchange(ctx context.Context) error {
	kx, err := newNVKeyExchange()
	if err != nil {
		return err
	}

	gen := make([]byte, 9)
	gen[0] = NVCmdSetGenerator
	binary.LittleEndian.PutUint64(gen[1:], nvDHGenerator.Uint64())
	if _, err := d.command(ctx, gen); err != nil {
		return err
	}

	mod := make([]byte, 9)
	mod[0] = NVCmdSetModulus
	binary.LittleEndian.PutUint64(mod[1:], nvDHModulus.Uint64())
	if _, err := d.command(ctx, mod); err != nil {
		return err
	}

	req := append([]byte{NVCmdRequestKeyExchange}, kx.HostKey()...)
	resp, err := d.command(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 9 {
		return errs.New(errs.ErrDecryptFailure, "密钥交换应答过短")
	}
	key, err := kx.SessionKey(resp[1:9], d.cfg.PresharedKey)
	if err != nil {
		return err
	}
	d.cipher = newNVCipher(key)
	return nil
}

// routeDenominations 配置进循环仓的面额，其余走钱箱
func (d *NVDriver) routeDenominations(ctx context.Context) error {
	for denom := range d.storedDenoms {
		data := make([]byte, 6)
		data[0] = NVCmdDenominationRoute
		data[1] = 0 // 0=循环仓
		binary.LittleEndian.PutUint32(data[2:], uint32(denom.Cents()))
		if _, err := d.command(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// readNotePositions 查询循环仓内容：应答 [OK][张数n][面额4字节小端]×n（栈底在前）
func (d *NVDriver) readNotePositions(ctx context.Context) error {
	resp, err := d.command(ctx, []byte{NVCmdGetNotePositions})
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return errs.New(errs.ErrProtocolAssertion, "note positions应答过短")
	}
	n := int(resp[1])
	if len(resp) < 2+4*n {
		return errs.New(errs.ErrProtocolAssertion, "note positions不完整")
	}
	d.stack = d.stack[:0]
	for i := 0; i < n; i++ {
		v := int64(binary.LittleEndian.Uint32(resp[2+4*i:]))
		denom, err := cash.NewDenomination(v)
		if err != nil {
			return errs.Wrap(err, errs.ErrProtocolAssertion, "循环仓内非法面额")
		}
		d.stack = append(d.stack, denom)
	}
	return nil
}

// Accept 允许收钞
func (d *NVDriver) Accept(maxAmount int64) error {
	if d.dispensing || d.emptying {
		return errs.New(errs.ErrDeviceBusy)
	}
	d.accepting = true
	d.acceptMax = maxAmount
	d.acceptedTotal = 0
	ctx, cancel := d.opCtx()
	defer cancel()
	if err := d.setInhibits(ctx); err != nil {
		return err
	}
	_, err := d.command(ctx, []byte{NVCmdEnable})
	return err
}

// UpdateAccept 下调剩余额度
func (d *NVDriver) UpdateAccept(maxAmount int64) error {
	if maxAmount < d.acceptMax {
		d.acceptMax = maxAmount
	}
	return nil
}

// StopAccepting 禁止收钞，在途纸钞仍会在后续Poll上报
func (d *NVDriver) StopAccepting() error {
	d.accepting = false
	ctx, cancel := d.opCtx()
	defer cancel()
	_, err := d.command(ctx, []byte{NVCmdDisable})
	return err
}

// Dispense 开始出钞
func (d *NVDriver) Dispense(amount int64) error {
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

// Empty 清空循环仓至钱箱
func (d *NVDriver) Empty() error {
	if d.accepting || d.dispensing {
		return errs.New(errs.ErrDeviceBusy)
	}
	d.emptying = true
	ctx, cancel := d.opCtx()
	defer cancel()
	_, err := d.command(ctx, []byte{NVCmdEmpty})
	return err
}

// StopEmptying 退出清空模式
func (d *NVDriver) StopEmptying() error {
	d.emptying = false
	return nil
}

// Poll 泵一次链路：取事件、维护栈镜像、推进出钞计划
func (d *NVDriver) Poll() ([]Event, error) {
	ctx, cancel := d.opCtx()
	defer cancel()

	resp, err := d.command(ctx, []byte{NVCmdPoll})
	if err != nil {
		return nil, err
	}

	events, err := d.decodeEvents(resp[1:])
	if err != nil {
		return events, err
	}

	// 收满自动停
	if d.accepting && d.acceptedTotal >= d.acceptMax {
		if err := d.StopAccepting(); err != nil {
			return events, err
		}
	}

	// 出钞：事件确认后决定下一动作
	if d.dispensing && !d.actionPending {
		if err := d.dispenseStep(ctx); err != nil {
			return events, err
		}
	}

	return events, nil
}

// dispenseStep 按栈规划器决定付出/压箱/停止
func (d *NVDriver) dispenseStep(ctx context.Context) error {
	switch d.planner.NextAction(d.stack, d.dispenseRemain) {
	case payout.ActionPayout:
		if _, err := d.command(ctx, []byte{NVCmdPayoutNote}); err != nil {
			return err
		}
		d.actionPending = true
	case payout.ActionStackAway:
		if _, err := d.command(ctx, []byte{NVCmdStackNote}); err != nil {
			return err
		}
		d.actionPending = true
	default:
		d.dispensing = false
	}
	return nil
}

// decodeEvents 解析Poll应答中的事件序列
func (d *NVDriver) decodeEvents(data []byte) ([]Event, error) {
	var events []Event
	for i := 0; i < len(data); {
		code := data[i]
		spec, ok := nvEvents[code]
		if !ok {
			return events, errs.Newf(errs.ErrProtocolAssertion, "未知事件码 0x%02X", code)
		}
		payloadEnd := i + 1 + spec.payload
		if payloadEnd > len(data) {
			return events, errs.New(errs.ErrProtocolAssertion, "事件载荷不完整")
		}
		raw := data[i+1 : payloadEnd]
		i = payloadEnd

		switch spec.class {
		case nvClassInfo:
			if code == NVEvNoteRead {
				d.noteInFlight = true
			}
			if code == NVEvNoteRejected || code == NVEvNoteRejecting {
				d.noteInFlight = false
			}
			if code == NVEvEmptied {
				d.emptying = false
				d.stack = d.stack[:0]
			}
		case nvClassWarning:
			d.log.Warn("设备告警", zap.String("event", spec.name))
			events = append(events, Event{Kind: EventWarning, Code: code, Message: spec.name})
		case nvClassFatal:
			d.log.Error("设备致命故障", zap.String("event", spec.name))
			d.dispensing = false
			d.actionPending = false
			events = append(events, Event{Kind: EventFatal, Code: code, Message: spec.name})
		case nvClassReset:
			if !d.expectReset {
				events = append(events, Event{Kind: EventFatal, Code: code, Message: "意外复位"})
			} else {
				d.expectReset = false
				events = append(events, Event{Kind: EventReset, Code: code})
			}
		case nvClassValue:
			ev, err := d.valueEvent(code, spec, raw)
			if err != nil {
				return events, err
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// valueEvent 金额事件：换算面额、更新栈镜像与运行计数
func (d *NVDriver) valueEvent(code byte, spec nvEventSpec, raw []byte) (Event, error) {
	cents, _ := nvParseValue(raw)
	denom, err := cash.NewDenomination(cents)
	if err != nil {
		return Event{}, errs.Wrap(err, errs.ErrProtocolAssertion, "事件携带非法面额")
	}

	ev := Event{
		Kind:    spec.kind,
		Denom:   denom,
		Count:   1,
		Storage: spec.storage,
		From:    spec.from,
		To:      spec.to,
		Code:    code,
		Message: spec.name,
	}

	switch code {
	case NVEvNoteCredit, NVEvNoteStacked:
		d.noteInFlight = false
		d.acceptedTotal += cents
	case NVEvNoteStoredPayout:
		d.noteInFlight = false
		d.acceptedTotal += cents
		d.stack = append(d.stack, denom)
	case NVEvDispensed:
		d.popStack(denom)
		d.dispenseRemain -= cents
		d.actionPending = false
	case NVEvTransferred:
		d.popStack(denom)
		d.actionPending = false
	}
	return ev, nil
}

// popStack 弹出栈顶并核对面额
func (d *NVDriver) popStack(denom cash.Denomination) {
	if len(d.stack) == 0 {
		d.log.Error("栈镜像为空但设备报告出钞", zap.Int64("denom", denom.Cents()))
		return
	}
	top := d.stack[len(d.stack)-1]
	if top != denom {
		d.log.Error("栈镜像与设备不一致",
			zap.Int64("expect", top.Cents()),
			zap.Int64("got", denom.Cents()))
	}
	d.stack = d.stack[:len(d.stack)-1]
}

// setInhibits 按允许面额设置通道屏蔽位
func (d *NVDriver) setInhibits(ctx context.Context) error {
	allowed := make(map[int64]bool, len(d.cfg.AcceptDenoms))
	for _, v := range d.cfg.AcceptDenoms {
		allowed[v] = true
	}

	var mask uint16
	for ch, denom := range d.channelDenom {
		if len(allowed) == 0 || allowed[denom.Cents()] {
			mask |= 1 << (ch - 1)
		}
	}
	return d.simpleCommand(ctx, []byte{NVCmdSetInhibits, byte(mask & 0xFF), byte(mask >> 8)})
}

func (d *NVDriver) simpleCommand(ctx context.Context, data []byte) error {
	_, err := d.command(ctx, data)
	return err
}

// command 发送一条命令并等待应答，链路错误重发至多3次
// 重发使用相同序列位，成功后翻转；密钥建立后全部走加密信道
func (d *NVDriver) command(ctx context.Context, data []byte) ([]byte, error) {
	wire := data
	if d.cipher != nil {
		enc, err := d.cipher.Encrypt(data)
		if err != nil {
			return nil, err
		}
		wire = enc
	}

	frame := &NVFrame{Seq: d.seq, Addr: byte(d.cfg.Address), Data: wire}
	encoded := frame.Encode()

	var lastErr error
	for attempt := 0; attempt < nvLinkRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(err, errs.ErrLinkTimeout)
		}

		if _, err := d.port.Write(encoded); err != nil {
			return nil, errs.Wrap(err, errs.ErrSerialPortWrite)
		}

		resp, err := d.readAnswer()
		if err != nil {
			lastErr = err
			d.log.Debug("链路重发",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		d.seq = !d.seq
		return d.checkStatus(resp)
	}

	return nil, errs.Wrap(lastErr, errs.ErrLinkTimeout, "重发3次后仍失败")
}

// readAnswer 读一帧应答并按需解密
func (d *NVDriver) readAnswer() ([]byte, error) {
	deadline := time.Now().Add(d.answerTimeout())
	frame, err := d.reader.ReadFrame(deadline)
	if err != nil {
		return nil, err
	}

	data := frame.Data
	if d.cipher != nil && len(data) > 0 && data[0] == NVStex {
		plain, err := d.cipher.Decrypt(data)
		if err != nil {
			// 解密失败等价于超时：丢帧并重发
			return nil, err
		}
		data = plain
	}
	return data, nil
}

// checkStatus 校验应答状态字节
func (d *NVDriver) checkStatus(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, errs.New(errs.ErrProtocolAssertion, "空应答")
	}
	switch resp[0] {
	case NVRespOK:
		return resp, nil
	case NVRespCannotProc:
		return nil, errs.New(errs.ErrDeviceBusy)
	case NVRespKeyNotSet:
		return nil, errs.New(errs.ErrDecryptFailure, "设备侧密钥未建立")
	default:
		return nil, errs.Newf(errs.ErrCommandFailed, "设备状态码 0x%02X", resp[0])
	}
}

func (d *NVDriver) answerTimeout() time.Duration {
	if d.cfg.Serial.ReadTimeout > 0 {
		return d.cfg.Serial.ReadTimeout
	}
	return 500 * time.Millisecond
}

func (d *NVDriver) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
