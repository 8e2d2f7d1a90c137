package cash

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wfunc/cash-terminal/internal/errors"
)

// Denomination 面额，单位为分（欧分）
type Denomination int64

// 合法面额集合（1分到500欧）
var legalDenominations = []Denomination{
	1, 2, 5, 10, 20, 50,
	100, 200, 500, 1000, 2000, 5000,
	10000, 20000, 50000,
}

var legalSet = func() map[Denomination]bool {
	m := make(map[Denomination]bool, len(legalDenominations))
	for _, d := range legalDenominations {
		m[d] = true
	}
	return m
}()

// Denominations 返回全部合法面额（升序）
func Denominations() []Denomination {
	out := make([]Denomination, len(legalDenominations))
	copy(out, legalDenominations)
	return out
}

// NewDenomination 构造面额，非法值拒绝
func NewDenomination(cents int64) (Denomination, error) {
	d := Denomination(cents)
	if !legalSet[d] {
		return 0, errors.Newf(errors.ErrInvalidDenomination, "%d", cents)
	}
	return d, nil
}

// Valid 检查面额是否合法
func (d Denomination) Valid() bool {
	return legalSet[d]
}

// Cents 返回以分计的面值
func (d Denomination) Cents() int64 {
	return int64(d)
}

// String 规范文本形式：不足1欧或非整欧用"c"后缀，整欧用"E"后缀
func (d Denomination) String() string {
	if d < 100 || d%100 != 0 {
		return fmt.Sprintf("%dc", int64(d))
	}
	return fmt.Sprintf("%dE", int64(d)/100)
}

// ParseDenomination 解析规范文本形式（"50c" / "2E"）
func ParseDenomination(s string) (Denomination, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, errors.Newf(errors.ErrStateFormat, "面额太短: %q", s)
	}

	suffix := s[len(s)-1]
	num, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrStateFormat, "面额数字非法: %q", s)
	}

	var cents int64
	switch suffix {
	case 'c':
		cents = num
	case 'E':
		cents = num * 100
	default:
		return 0, errors.Newf(errors.ErrStateFormat, "未知面额后缀: %q", s)
	}

	return NewDenomination(cents)
}
