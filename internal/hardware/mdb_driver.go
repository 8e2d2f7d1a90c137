package hardware

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/config"
	errs "github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/logger"
	"github.com/wfunc/cash-terminal/internal/payout"
	"go.uber.org/zap"
)

const mdbCoinTypes = 16

// MDBDriver 多币管换币器驱动
// 每个币管存一种面额，溢出进钱箱；经桥接板的ASCII十六进制链路通信，
// 可选外接单面额出币器挂在桥接板扩展通道（只参与出币，不参与承诺）
type MDBDriver struct {
	cfg    *config.DeviceConfig
	log    *zap.Logger
	bridge *mdbBridge

	scaling    int64
	coinValues [mdbCoinTypes]cash.Denomination // 0=该币型未配置
	tubeCounts [mdbCoinTypes]int64
	fullMask   uint16
	defective  uint16
	planner    *payout.TubePlanner

	accepting     bool
	acceptMax     int64
	acceptedTotal int64

	dispensing     bool
	dispenseRemain int64
	emptying       bool
	initialized    bool
}

// NewMDBDriver 创建驱动
func NewMDBDriver(cfg *config.DeviceConfig) *MDBDriver {
	return &MDBDriver{
		cfg:     cfg,
		log:     logger.GetModuleLogger("hardware").With(zap.String("device", cfg.Name)),
		planner: payout.NewTubePlanner(),
	}
}

// SetPort 注入串口（测试用）
func (d *MDBDriver) SetPort(port SerialPort) {
	d.bridge = newMDBBridge(port)
}

// Name 设备名
func (d *MDBDriver) Name() string { return d.cfg.Name }

// CanAccept 换币器可收硬币
func (d *MDBDriver) CanAccept() bool { return true }

// Busy 是否有在途出币
func (d *MDBDriver) Busy() bool { return d.dispensing }

// CanPayout 基于币管镜像的保守承诺；外接出币器不计入
func (d *MDBDriver) CanPayout() (int64, int64) {
	return d.planner.Capability(d.tubes())
}

// tubes 当前币管状态快照
func (d *MDBDriver) tubes() []payout.Tube {
	out := make([]payout.Tube, 0, mdbCoinTypes)
	for i, v := range d.coinValues {
		if v == 0 {
			continue
		}
		out = append(out, payout.Tube{
			Denom:     v,
			Count:     d.tubeCounts[i],
			Full:      d.fullMask&(1<<i) != 0,
			Defective: d.defective&(1<<i) != 0,
		})
	}
	return out
}

// Initialize 建链：读币型表与币管状态，初始禁止收币
func (d *MDBDriver) Initialize(ctx context.Context) error {
	if d.bridge == nil {
		port, err := OpenPort(&d.cfg.Serial)
		if err != nil {
			return err
		}
		d.bridge = newMDBBridge(port)
	}

	if err := d.readSetup(); err != nil {
		return err
	}
	if err := d.refreshTubeStatus(); err != nil {
		return err
	}
	if err := d.setCoinTypes(0); err != nil {
		return err
	}

	d.initialized = true
	d.log.Info("换币器初始化完成",
		zap.Int64("scaling", d.scaling),
		zap.Int("tubes", len(d.tubes())))
	return nil
}

// Close 释放串口
func (d *MDBDriver) Close() error {
	if d.bridge == nil {
		return nil
	}
	err := d.bridge.port.Close()
	d.bridge = nil
	return err
}

// readSetup 读币型表：应答 [倍率1字节][币值16字节]，面额 = 币值×倍率（分）
func (d *MDBDriver) readSetup() error {
	resp, err := d.exchange([]byte{MDBCmdSetup})
	if err != nil {
		return err
	}
	if len(resp) < 1+mdbCoinTypes {
		return errs.New(errs.ErrProtocolAssertion, "setup应答过短")
	}

	d.scaling = int64(resp[0])
	for i := 0; i < mdbCoinTypes; i++ {
		credit := int64(resp[1+i])
		if credit == 0 {
			d.coinValues[i] = 0
			continue
		}
		denom, err := cash.NewDenomination(credit * d.scaling)
		if err != nil {
			return errs.Wrapf(err, errs.ErrProtocolAssertion, "币型%d面额非法", i)
		}
		d.coinValues[i] = denom
	}
	return nil
}

// refreshTubeStatus 读币管状态：应答 [满仓掩码2字节大端][16个存量字节]
func (d *MDBDriver) refreshTubeStatus() error {
	resp, err := d.exchange([]byte{MDBCmdTubeStatus})
	if err != nil {
		return err
	}
	if len(resp) < 2+mdbCoinTypes {
		return errs.New(errs.ErrProtocolAssertion, "tube status应答过短")
	}

	d.fullMask = binary.BigEndian.Uint16(resp[:2])
	for i := 0; i < mdbCoinTypes; i++ {
		d.tubeCounts[i] = int64(resp[2+i])
	}
	return nil
}

// Accept 允许收币
func (d *MDBDriver) Accept(maxAmount int64) error {
	if d.dispensing || d.emptying {
		return errs.New(errs.ErrDeviceBusy)
	}
	d.accepting = true
	d.acceptMax = maxAmount
	d.acceptedTotal = 0
	return d.setCoinTypes(d.acceptMask())
}

// UpdateAccept 下调剩余额度
func (d *MDBDriver) UpdateAccept(maxAmount int64) error {
	if maxAmount < d.acceptMax {
		d.acceptMax = maxAmount
	}
	return nil
}

// StopAccepting 禁止收币
func (d *MDBDriver) StopAccepting() error {
	d.accepting = false
	return d.setCoinTypes(0)
}

// Dispense 开始出币
func (d *MDBDriver) Dispense(amount int64) error {
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

// Empty 服务模式：放开手动出币按钮
func (d *MDBDriver) Empty() error {
	if d.accepting || d.dispensing {
		return errs.New(errs.ErrDeviceBusy)
	}
	d.emptying = true
	return d.simple([]byte{MDBCmdManual, 0x01})
}

// StopEmptying 退出服务模式
func (d *MDBDriver) StopEmptying() error {
	d.emptying = false
	return d.simple([]byte{MDBCmdManual, 0x00})
}

// Poll 泵一次链路：取投币/出币事件，推进出币计划
func (d *MDBDriver) Poll() ([]Event, error) {
	resp, err := d.exchange([]byte{MDBCmdPoll})
	if err != nil {
		return nil, err
	}

	events, err := d.decodeEvents(resp)
	if err != nil {
		return events, err
	}

	if d.accepting && d.acceptedTotal >= d.acceptMax {
		if err := d.StopAccepting(); err != nil {
			return events, err
		}
	}

	if d.dispensing {
		evs, err := d.dispenseStep()
		events = append(events, evs...)
		if err != nil {
			return events, err
		}
	}

	return events, nil
}

// dispenseStep 规划并下发一条出币指令；币管不够时尝试外接出币器
func (d *MDBDriver) dispenseStep() ([]Event, error) {
	denom, count := d.planner.DispenseStep(d.tubes(), d.dispenseRemain)
	if count > 0 {
		typ := d.typeOf(denom)
		if typ < 0 {
			return nil, errs.New(errs.ErrProtocolAssertion, "规划面额无对应币型")
		}
		if err := d.simple([]byte{MDBCmdDispense, byte(count)<<4 | byte(typ)}); err != nil {
			return nil, err
		}
		d.tubeCounts[typ] -= count
		d.dispenseRemain -= denom.Cents() * count
		return []Event{{
			Kind:    EventDispensed,
			Denom:   denom,
			Count:   count,
			Storage: tubeStorage(denom),
		}}, nil
	}

	if ev, ok, err := d.hopperStep(); err != nil {
		return nil, err
	} else if ok {
		return []Event{ev}, nil
	}

	// 无法继续
	d.dispensing = false
	return nil, nil
}

// hopperStep 外接出币器出一批
func (d *MDBDriver) hopperStep() (Event, bool, error) {
	h := &d.cfg.Hopper
	if !h.Enabled || h.Denomination <= 0 || h.Denomination > d.dispenseRemain {
		return Event{}, false, nil
	}

	denom, err := cash.NewDenomination(h.Denomination)
	if err != nil {
		return Event{}, false, errs.Wrap(err, errs.ErrInvalidDenomination, "出币器面额配置非法")
	}
	count := d.dispenseRemain / denom.Cents()
	if count > payout.MaxCoinsPerStep {
		count = payout.MaxCoinsPerStep
	}

	resp, err := d.bridge.Exchange(byte(h.Channel), []byte{0x01, byte(count)}, d.timeout())
	if err != nil {
		return Event{}, false, err
	}
	// 应答第一字节为实际出币数
	paid := count
	if len(resp) >= 1 {
		paid = int64(resp[0])
	}
	if paid == 0 {
		return Event{}, false, nil
	}

	d.dispenseRemain -= denom.Cents() * paid
	return Event{
		Kind:    EventDispensed,
		Denom:   denom,
		Count:   paid,
		Storage: StorageHopper,
	}, true, nil
}

// decodeEvents 解析轮询应答
// 投币：0b01rryyyy + 管内存量字节（rr=00钱箱，01币管）
// 手动出币：0b1xxxyyyy + 管内存量字节（xxx=枚数）
// 其余为单字节状态
func (d *MDBDriver) decodeEvents(data []byte) ([]Event, error) {
	var events []Event
	for i := 0; i < len(data); {
		b := data[i]

		switch {
		case b&0xC0 == 0x40: // 投币
			if i+1 >= len(data) {
				return events, errs.New(errs.ErrProtocolAssertion, "投币事件缺存量字节")
			}
			route := (b >> 4) & 0x03
			typ := int(b & 0x0F)
			d.tubeCounts[typ] = int64(data[i+1])
			i += 2

			denom := d.coinValues[typ]
			if denom == 0 {
				return events, errs.Newf(errs.ErrProtocolAssertion, "未配置币型%d投币", typ)
			}
			storage := StorageCashbox
			if route == 1 {
				storage = tubeStorage(denom)
			}
			d.acceptedTotal += denom.Cents()
			events = append(events, Event{
				Kind:    EventReceived,
				Denom:   denom,
				Count:   1,
				Storage: storage,
				Code:    b,
			})

		case b&0x80 != 0: // 手动出币
			if i+1 >= len(data) {
				return events, errs.New(errs.ErrProtocolAssertion, "出币事件缺存量字节")
			}
			count := int64((b >> 4) & 0x07)
			typ := int(b & 0x0F)
			d.tubeCounts[typ] = int64(data[i+1])
			i += 2

			denom := d.coinValues[typ]
			if denom == 0 || count == 0 {
				continue
			}
			events = append(events, Event{
				Kind:    EventDispensed,
				Denom:   denom,
				Count:   count,
				Storage: tubeStorage(denom),
				Code:    b,
			})

		default:
			i++
			ev, keep := d.statusEvent(b)
			if keep {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

// statusEvent 单字节状态分类
func (d *MDBDriver) statusEvent(b byte) (Event, bool) {
	switch b {
	case MDBEvTubeJam, MDBEvROMError, MDBEvCoinJam:
		d.log.Error("换币器致命故障", zap.Uint8("code", b))
		d.dispensing = false
		return Event{Kind: EventFatal, Code: b, Message: "changer_fault"}, true
	case MDBEvDoubleCoin, MDBEvRoutingError, MDBEvTubeSensor, MDBEvUnplugged, MDBEvCoinRemoval:
		d.log.Warn("换币器告警", zap.Uint8("code", b))
		return Event{Kind: EventWarning, Code: b, Message: "changer_warning"}, true
	case MDBEvWasReset:
		return Event{Kind: EventReset, Code: b}, true
	default:
		// escrow/busy等信息性状态忽略
		return Event{}, false
	}
}

// acceptMask 按允许面额计算币型使能掩码
func (d *MDBDriver) acceptMask() uint16 {
	allowed := make(map[int64]bool, len(d.cfg.AcceptDenoms))
	for _, v := range d.cfg.AcceptDenoms {
		allowed[v] = true
	}

	var mask uint16
	for i, v := range d.coinValues {
		if v == 0 {
			continue
		}
		if len(allowed) == 0 || allowed[v.Cents()] {
			mask |= 1 << i
		}
	}
	return mask
}

// setCoinTypes 下发币型使能掩码
func (d *MDBDriver) setCoinTypes(mask uint16) error {
	return d.simple([]byte{MDBCmdCoinType, byte(mask >> 8), byte(mask & 0xFF)})
}

func (d *MDBDriver) typeOf(denom cash.Denomination) int {
	for i, v := range d.coinValues {
		if v == denom {
			return i
		}
	}
	return -1
}

func (d *MDBDriver) exchange(data []byte) ([]byte, error) {
	return d.bridge.Exchange(mdbChangerChannel, data, d.timeout())
}

func (d *MDBDriver) simple(data []byte) error {
	_, err := d.exchange(data)
	return err
}

func (d *MDBDriver) timeout() time.Duration {
	if d.cfg.Serial.ReadTimeout > 0 {
		return d.cfg.Serial.ReadTimeout
	}
	return 500 * time.Millisecond
}

// tubeStorage 币管仓位名，如 tube200
func tubeStorage(denom cash.Denomination) string {
	return fmt.Sprintf("%s%d", StorageTube, denom.Cents())
}

var (
	_ Driver = (*NVDriver)(nil)
	_ Driver = (*MDBDriver)(nil)
)
