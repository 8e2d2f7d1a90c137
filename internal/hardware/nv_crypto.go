package hardware

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	errs "github.com/wfunc/cash-terminal/internal/errors"
)

// 密钥协商用的固定素数与生成元（与设备固件约定）
var (
	nvDHModulus   = big.NewInt(0x7FFFFFFFFFFFFFE7)
	nvDHGenerator = big.NewInt(5)
)

// nvKeyExchange 主机侧Diffie-Hellman状态
type nvKeyExchange struct {
	secret *big.Int // 主机私钥
}

// newNVKeyExchange 生成主机私钥
func newNVKeyExchange() (*nvKeyExchange, error) {
	s, err := rand.Int(rand.Reader, nvDHModulus)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrDecryptFailure, "生成DH私钥失败")
	}
	return &nvKeyExchange{secret: s}, nil
}

// HostKey 主机公开值 g^a mod p（8字节小端）
func (k *nvKeyExchange) HostKey() []byte {
	pub := new(big.Int).Exp(nvDHGenerator, k.secret, nvDHModulus)
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, pub.Uint64())
	return out
}

// SessionKey 由设备公开值与预共享密钥导出128位AES密钥
// 布局：预共享密钥8字节 + 共享秘密8字节小端
func (k *nvKeyExchange) SessionKey(deviceKey []byte, presharedHex string) ([]byte, error) {
	if len(deviceKey) < 8 {
		return nil, errs.New(errs.ErrDecryptFailure, "设备公开值长度不足")
	}
	fixed, err := hex.DecodeString(presharedHex)
	if err != nil || len(fixed) != 8 {
		return nil, errs.New(errs.ErrDecryptFailure, "预共享密钥须为8字节十六进制")
	}

	dev := new(big.Int).SetUint64(binary.LittleEndian.Uint64(deviceKey[:8]))
	shared := new(big.Int).Exp(dev, k.secret, nvDHModulus)

	key := make([]byte, 16)
	copy(key[:8], fixed)
	binary.LittleEndian.PutUint64(key[8:], shared.Uint64())
	return key, nil
}

// nvCipher 加密信道
// 明文块：长度1 + 计数4小端 + 数据 + 随机填充至16倍数（尾留2字节CRC）+ CRC16
// 计数单调递增，双方各自跟踪，防止重放
type nvCipher struct {
	key   []byte
	count uint32
}

func newNVCipher(key []byte) *nvCipher {
	return &nvCipher{key: key}
}

// Encrypt 包装一段命令数据，返回以STEX为前导的加密载荷
func (c *nvCipher) Encrypt(data []byte) ([]byte, error) {
	c.count++

	plain := make([]byte, 0, len(data)+23)
	plain = append(plain, byte(len(data)))
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], c.count)
	plain = append(plain, cnt[:]...)
	plain = append(plain, data...)

	// 填充到16字节边界（含2字节CRC）
	padLen := (16 - (len(plain)+2)%16) % 16
	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return nil, errs.Wrap(err, errs.ErrDecryptFailure, "生成填充失败")
	}
	plain = append(plain, pad...)

	crc := NVCRC16(plain)
	plain = append(plain, byte(crc&0xFF), byte(crc>>8))

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrDecryptFailure)
	}
	out := make([]byte, 1+len(plain))
	out[0] = NVStex
	for i := 0; i < len(plain); i += 16 {
		block.Encrypt(out[1+i:1+i+16], plain[i:i+16])
	}
	return out, nil
}

// Decrypt 解开以STEX为前导的加密载荷，校验CRC与计数
func (c *nvCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < 1 || data[0] != NVStex {
		return nil, errs.New(errs.ErrDecryptFailure, "缺少加密前导")
	}
	body := data[1:]
	if len(body) == 0 || len(body)%16 != 0 {
		return nil, errs.New(errs.ErrDecryptFailure, "加密块长度非16倍数")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrDecryptFailure)
	}
	plain := make([]byte, len(body))
	for i := 0; i < len(body); i += 16 {
		block.Decrypt(plain[i:i+16], body[i:i+16])
	}

	n := len(plain)
	want := uint16(plain[n-2]) | uint16(plain[n-1])<<8
	if NVCRC16(plain[:n-2]) != want {
		return nil, errs.New(errs.ErrDecryptFailure, "加密块CRC不匹配")
	}

	dataLen := int(plain[0])
	count := binary.LittleEndian.Uint32(plain[1:5])
	if dataLen > n-7 {
		return nil, errs.New(errs.ErrDecryptFailure, "加密块内长度越界")
	}
	if count <= c.count {
		return nil, errs.New(errs.ErrDecryptFailure, "加密计数回退")
	}
	c.count = count

	return append([]byte(nil), plain[5:5+dataLen]...), nil
}
