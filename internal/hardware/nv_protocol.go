package hardware

import (
	"bytes"
	"encoding/binary"
	"time"

	errs "github.com/wfunc/cash-terminal/internal/errors"
)

// 帧定义
// 线上格式：同步字节 + 头字节（序列位|从机地址）+ 长度 + 数据 + CRC低 + CRC高
// 同步字节之后出现的0x7F一律双写（字节填充），接收端去重
const (
	NVSync      byte = 0x7F
	NVSeqFlag   byte = 0x80
	NVStex      byte = 0x7E // 加密载荷前导
	nvMaxFrame       = 255
	nvLinkRetry      = 3
)

// 命令码
const (
	NVCmdReset              byte = 0x01
	NVCmdSetInhibits        byte = 0x02
	NVCmdSetup              byte = 0x05
	NVCmdHostProtocol       byte = 0x06
	NVCmdPoll               byte = 0x07
	NVCmdDisable            byte = 0x09
	NVCmdEnable             byte = 0x0A
	NVCmdSync               byte = 0x11
	NVCmdDispense           byte = 0x33
	NVCmdDenominationRoute  byte = 0x3B
	NVCmdEmpty              byte = 0x3F
	NVCmdGetNotePositions   byte = 0x41
	NVCmdPayoutNote         byte = 0x42
	NVCmdStackNote          byte = 0x43
	NVCmdSetGenerator       byte = 0x4A
	NVCmdSetModulus         byte = 0x4B
	NVCmdRequestKeyExchange byte = 0x4C
	NVCmdDisablePayout      byte = 0x5B
	NVCmdEnablePayout       byte = 0x5C
)

// 响应状态码
const (
	NVRespOK          byte = 0xF0
	NVRespUnknownCmd  byte = 0xF2
	NVRespWrongParams byte = 0xF3
	NVRespOutOfRange  byte = 0xF4
	NVRespCannotProc  byte = 0xF5
	NVRespSoftError   byte = 0xF6
	NVRespFail        byte = 0xF8
	NVRespKeyNotSet   byte = 0xFA
)

// 轮询事件码
const (
	NVEvSlaveReset       byte = 0xF1
	NVEvNoteRead         byte = 0xEF
	NVEvNoteCredit       byte = 0xEE
	NVEvNoteRejecting    byte = 0xEC
	NVEvNoteRejected     byte = 0xE1
	NVEvNoteStacking     byte = 0xED
	NVEvNoteStacked      byte = 0xEB
	NVEvSafeJam          byte = 0xEA
	NVEvUnsafeJam        byte = 0xE9
	NVEvStackerFull      byte = 0xE7
	NVEvFraudAttempt     byte = 0xE6
	NVEvCashboxRemoved   byte = 0xE3
	NVEvCashboxReplaced  byte = 0xE4
	NVEvNoteStoredPayout byte = 0xE2
	NVEvDisabled         byte = 0xE8
	NVEvDispensing       byte = 0xDA
	NVEvDispensed        byte = 0xD2
	NVEvEmptying         byte = 0xC2
	NVEvEmptied          byte = 0xC3
	NVEvJammed           byte = 0xD5
	NVEvHalted           byte = 0xD6
	NVEvTransferred      byte = 0xC9
)

// 事件分类
type nvEventClass int

const (
	nvClassInfo nvEventClass = iota
	nvClassWarning
	nvClassFatal
	nvClassReset
	nvClassValue // 携带金额（与可选国别码）
)

type nvEventSpec struct {
	name    string
	class   nvEventClass
	payload int       // 事件码后跟随的字节数（nvClassValue为7：金额4+国别3）
	kind    EventKind // 仅nvClassValue使用
	storage string
	from    string
	to      string
}

// nvEvents 事件码表
var nvEvents = map[byte]nvEventSpec{
	NVEvSlaveReset:       {name: "slave_reset", class: nvClassReset},
	NVEvNoteRead:         {name: "note_read", class: nvClassInfo, payload: 1},
	NVEvNoteRejecting:    {name: "note_rejecting", class: nvClassInfo},
	NVEvNoteRejected:     {name: "note_rejected", class: nvClassInfo},
	NVEvNoteStacking:     {name: "note_stacking", class: nvClassInfo},
	NVEvCashboxReplaced:  {name: "cashbox_replaced", class: nvClassInfo},
	NVEvDisabled:         {name: "disabled", class: nvClassInfo},
	NVEvDispensing:       {name: "dispensing", class: nvClassInfo, payload: 7},
	NVEvEmptying:         {name: "emptying", class: nvClassInfo},
	NVEvEmptied:          {name: "emptied", class: nvClassInfo},
	NVEvSafeJam:          {name: "safe_jam", class: nvClassWarning},
	NVEvStackerFull:      {name: "stacker_full", class: nvClassWarning},
	NVEvFraudAttempt:     {name: "fraud_attempt", class: nvClassWarning, payload: 7},
	NVEvCashboxRemoved:   {name: "cashbox_removed", class: nvClassWarning},
	NVEvHalted:           {name: "halted", class: nvClassWarning},
	NVEvUnsafeJam:        {name: "unsafe_jam", class: nvClassFatal},
	NVEvJammed:           {name: "jammed", class: nvClassFatal},
	NVEvNoteCredit:       {name: "note_credit", class: nvClassValue, payload: 7, kind: EventReceived, storage: StorageCashbox},
	NVEvNoteStacked:      {name: "note_stacked", class: nvClassValue, payload: 7, kind: EventReceived, storage: StorageCashbox},
	NVEvNoteStoredPayout: {name: "note_stored_in_payout", class: nvClassValue, payload: 7, kind: EventReceived, storage: StorageStack},
	NVEvDispensed:        {name: "dispensed", class: nvClassValue, payload: 7, kind: EventDispensed, storage: StorageStack},
	NVEvTransferred:      {name: "stacked_from_payout", class: nvClassValue, payload: 7, kind: EventMoved, from: StorageStack, to: StorageCashbox},
}

// NVCRC16 CRC16校验：多项式0x8005，初值0xFFFF，无反射
func NVCRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x8005
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// NVFrame 单个协议帧
type NVFrame struct {
	Seq  bool // 交替序列位
	Addr byte // 从机地址（低7位）
	Data []byte
}

// Encode 编码为线上字节（含同步字节、字节填充与CRC）
func (f *NVFrame) Encode() []byte {
	header := f.Addr & 0x7F
	if f.Seq {
		header |= NVSeqFlag
	}

	body := make([]byte, 0, len(f.Data)+4)
	body = append(body, header, byte(len(f.Data)))
	body = append(body, f.Data...)
	crc := NVCRC16(body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))

	out := make([]byte, 0, len(body)+4)
	out = append(out, NVSync)
	for _, b := range body {
		out = append(out, b)
		if b == NVSync {
			out = append(out, b) // 填充
		}
	}
	return out
}

// nvFrameReader 从串口增量拼帧
// 在同步字节后去除填充；残缺输入保留在缓冲中等待后续字节
type nvFrameReader struct {
	port SerialPort
	buf  bytes.Buffer
}

func newNVFrameReader(port SerialPort) *nvFrameReader {
	return &nvFrameReader{port: port}
}

// ReadFrame 在deadline内读取一个完整有效帧
// CRC错帧整帧丢弃；超时返回ErrLinkTimeout
func (r *nvFrameReader) ReadFrame(deadline time.Time) (*NVFrame, error) {
	tmp := make([]byte, 256)
	for {
		if f, err := r.tryDecode(); f != nil || err != nil {
			return f, err
		}

		if !time.Now().Before(deadline) {
			return nil, errs.New(errs.ErrLinkTimeout)
		}

		n, err := r.port.Read(tmp)
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrSerialPortRead)
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		r.buf.Write(tmp[:n])
	}
}

// tryDecode 尝试从缓冲解出一帧；数据不足返回(nil, nil)
func (r *nvFrameReader) tryDecode() (*NVFrame, error) {
	raw := r.buf.Bytes()

	// 找同步字节
	start := bytes.IndexByte(raw, NVSync)
	if start < 0 {
		r.buf.Reset()
		return nil, nil
	}
	raw = raw[start:]

	// 去填充：同步后成对的0x7F还原为单个
	body := make([]byte, 0, len(raw))
	consumed := 1
	for i := 1; i < len(raw); {
		b := raw[i]
		if b == NVSync {
			if i+1 >= len(raw) {
				break // 可能是填充的前半，等待下一字节
			}
			if raw[i+1] != NVSync {
				// 新帧的同步字节：当前帧残缺，丢弃
				r.drop(start + consumed)
				return nil, errs.New(errs.ErrLinkFraming, "帧未完整即出现新同步字节")
			}
			i += 2
			consumed += 2
		} else {
			i++
			consumed++
		}
		body = append(body, b)

		if len(body) >= 2 && len(body) == int(body[1])+4 {
			r.drop(start + consumed)
			return r.finish(body)
		}
	}

	// 残缺，保留未消费部分
	r.drop(start)
	if len(body) > nvMaxFrame {
		r.buf.Reset()
		return nil, errs.New(errs.ErrLinkFraming, "帧长度超限")
	}
	return nil, nil
}

func (r *nvFrameReader) drop(n int) {
	rest := append([]byte(nil), r.buf.Bytes()[n:]...)
	r.buf.Reset()
	r.buf.Write(rest)
}

func (r *nvFrameReader) finish(body []byte) (*NVFrame, error) {
	n := len(body)
	want := uint16(body[n-2]) | uint16(body[n-1])<<8
	if NVCRC16(body[:n-2]) != want {
		return nil, errs.New(errs.ErrLinkCRC)
	}
	return &NVFrame{
		Seq:  body[0]&NVSeqFlag != 0,
		Addr: body[0] & 0x7F,
		Data: append([]byte(nil), body[2:n-2]...),
	}, nil
}

// nvParseValue 解析金额事件载荷：4字节小端金额 + 3字节国别码
func nvParseValue(p []byte) (cents int64, country string) {
	if len(p) < 4 {
		return 0, ""
	}
	cents = int64(binary.LittleEndian.Uint32(p[:4]))
	if len(p) >= 7 {
		country = string(p[4:7])
	}
	return cents, country
}
