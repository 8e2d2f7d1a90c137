package hardware

import (
	"bytes"
	"encoding/hex"
	"time"

	errs "github.com/wfunc/cash-terminal/internal/errors"
)

// 桥接板帧格式：每帧一行ASCII十六进制，回车结尾
// [通道1字节][数据n字节][校验1字节]，校验为通道与数据字节的模256和
// 应答首字节 0x06=ACK（后随数据）、0x15=NAK
const (
	mdbACK byte = 0x06
	mdbNAK byte = 0x15
	mdbCR  byte = '\r'

	mdbChangerChannel byte = 0x00
	mdbRetry               = 3
)

// MDB换币器命令
const (
	MDBCmdReset      byte = 0x08
	MDBCmdSetup      byte = 0x09
	MDBCmdTubeStatus byte = 0x0A
	MDBCmdPoll       byte = 0x0B
	MDBCmdCoinType   byte = 0x0C
	MDBCmdDispense   byte = 0x0D
	MDBCmdManual     byte = 0x0F
)

// 轮询单字节状态
const (
	MDBEvEscrow       byte = 0x01
	MDBEvPayoutBusy   byte = 0x02
	MDBEvNoCredit     byte = 0x03
	MDBEvTubeSensor   byte = 0x04
	MDBEvDoubleCoin   byte = 0x05
	MDBEvUnplugged    byte = 0x06
	MDBEvTubeJam      byte = 0x07
	MDBEvROMError     byte = 0x08
	MDBEvRoutingError byte = 0x09
	MDBEvBusy         byte = 0x0A
	MDBEvWasReset     byte = 0x0B
	MDBEvCoinJam      byte = 0x0C
	MDBEvCoinRemoval  byte = 0x0D
)

// mdbChecksum 模256和校验
func mdbChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// mdbEncodeFrame 编码一行桥接帧
func mdbEncodeFrame(channel byte, data []byte) []byte {
	raw := make([]byte, 0, len(data)+2)
	raw = append(raw, channel)
	raw = append(raw, data...)
	raw = append(raw, mdbChecksum(raw))

	enc := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(enc, raw)
	enc = bytes.ToUpper(enc)
	return append(enc, mdbCR)
}

// mdbDecodeFrame 解码一行应答，校验并去掉校验字节
func mdbDecodeFrame(line []byte) ([]byte, error) {
	raw := make([]byte, hex.DecodedLen(len(line)))
	n, err := hex.Decode(raw, bytes.ToLower(line))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrLinkFraming, "应答非十六进制")
	}
	raw = raw[:n]
	if len(raw) < 2 {
		return nil, errs.New(errs.ErrLinkFraming, "应答过短")
	}
	if mdbChecksum(raw[:len(raw)-1]) != raw[len(raw)-1] {
		return nil, errs.New(errs.ErrLinkCRC, "桥接帧校验和不符")
	}
	return raw[:len(raw)-1], nil
}

// mdbBridge 硬件桥接板：多通道复用一条串口链路
type mdbBridge struct {
	port SerialPort
	buf  bytes.Buffer
}

func newMDBBridge(port SerialPort) *mdbBridge {
	return &mdbBridge{port: port}
}

// Exchange 发送命令并等待应答，NAK或超时重发至多3次
func (b *mdbBridge) Exchange(channel byte, data []byte, timeout time.Duration) ([]byte, error) {
	frame := mdbEncodeFrame(channel, data)

	var lastErr error
	for attempt := 0; attempt < mdbRetry; attempt++ {
		if _, err := b.port.Write(frame); err != nil {
			return nil, errs.Wrap(err, errs.ErrSerialPortWrite)
		}

		resp, err := b.readLine(time.Now().Add(timeout))
		if err != nil {
			lastErr = err
			continue
		}

		if len(resp) == 0 {
			lastErr = errs.New(errs.ErrLinkFraming, "空应答")
			continue
		}
		if resp[0] == mdbNAK {
			lastErr = errs.New(errs.ErrCommandFailed, "设备NAK")
			continue
		}
		if resp[0] != mdbACK {
			lastErr = errs.Newf(errs.ErrLinkFraming, "未知应答字节 0x%02X", resp[0])
			continue
		}
		return resp[1:], nil
	}

	return nil, errs.Wrap(lastErr, errs.ErrLinkTimeout, "重发3次后仍失败")
}

// readLine 在deadline内读取一行（CR结尾）并解帧
func (b *mdbBridge) readLine(deadline time.Time) ([]byte, error) {
	tmp := make([]byte, 256)
	for {
		if i := bytes.IndexByte(b.buf.Bytes(), mdbCR); i >= 0 {
			line := append([]byte(nil), b.buf.Bytes()[:i]...)
			rest := append([]byte(nil), b.buf.Bytes()[i+1:]...)
			b.buf.Reset()
			b.buf.Write(rest)
			return mdbDecodeFrame(line)
		}

		if !time.Now().Before(deadline) {
			return nil, errs.New(errs.ErrLinkTimeout)
		}

		n, err := b.port.Read(tmp)
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrSerialPortRead)
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		b.buf.Write(tmp[:n])
	}
}
