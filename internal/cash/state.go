package cash

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/wfunc/cash-terminal/internal/errors"
)

// State 现金状态：面额到数量的映射
// 规范形式下数量为0的面额不出现；数量可以为负（用于差额）
// State 一经构造不再修改，所有运算返回新值
type State struct {
	counts map[Denomination]int64
}

// NewState 创建空现金状态
func NewState() State {
	return State{counts: map[Denomination]int64{}}
}

// Single 创建单一面额的现金状态
func Single(denom Denomination, count int64) (State, error) {
	if !denom.Valid() {
		return State{}, errors.Newf(errors.ErrInvalidDenomination, "%d", denom.Cents())
	}
	s := NewState()
	if count != 0 {
		s.counts[denom] = count
	}
	return s, nil
}

// MustSingle 创建单一面额的现金状态，非法面额时panic（用于常量场合）
func MustSingle(denom Denomination, count int64) State {
	s, err := Single(denom, count)
	if err != nil {
		panic(err)
	}
	return s
}

// FromCounts 从面额数量表创建现金状态
func FromCounts(counts map[Denomination]int64) (State, error) {
	s := NewState()
	for d, n := range counts {
		if !d.Valid() {
			return State{}, errors.Newf(errors.ErrInvalidDenomination, "%d", d.Cents())
		}
		if n != 0 {
			s.counts[d] = n
		}
	}
	return s, nil
}

// Count 返回指定面额的数量
func (s State) Count(denom Denomination) int64 {
	return s.counts[denom]
}

// Denominations 返回出现的面额（升序）
func (s State) Denominations() []Denomination {
	out := make([]Denomination, 0, len(s.counts))
	for d := range s.counts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsZero 是否为空状态
func (s State) IsZero() bool {
	return len(s.counts) == 0
}

// Sum 金额合计（分）
func (s State) Sum() int64 {
	var total int64
	for d, n := range s.counts {
		total += d.Cents() * n
	}
	return total
}

// Pieces 币/钞张数合计
func (s State) Pieces() int64 {
	var total int64
	for _, n := range s.counts {
		total += n
	}
	return total
}

// Add 加法，返回新状态
func (s State) Add(other State) State {
	out := NewState()
	for d, n := range s.counts {
		out.counts[d] = n
	}
	for d, n := range other.counts {
		out.counts[d] += n
		if out.counts[d] == 0 {
			delete(out.counts, d)
		}
	}
	return out
}

// Neg 取反，返回新状态
func (s State) Neg() State {
	out := NewState()
	for d, n := range s.counts {
		out.counts[d] = -n
	}
	return out
}

// Sub 减法，返回新状态
func (s State) Sub(other State) State {
	return s.Add(other.Neg())
}

// Equal 结构相等（规范形式下逐面额比较）
func (s State) Equal(other State) bool {
	if len(s.counts) != len(other.counts) {
		return false
	}
	for d, n := range s.counts {
		if other.counts[d] != n {
			return false
		}
	}
	return true
}

// String 规范文本形式，如 /13x10c,53x200E/，空状态为 //
func (s State) String() string {
	denoms := s.Denominations()
	parts := make([]string, 0, len(denoms))
	for _, d := range denoms {
		parts = append(parts, strconv.FormatInt(s.counts[d], 10)+"x"+d.String())
	}
	return "/" + strings.Join(parts, ",") + "/"
}

// ParseState 解析规范文本形式
func ParseState(text string) (State, error) {
	t := strings.TrimSpace(text)
	if len(t) < 2 || t[0] != '/' || t[len(t)-1] != '/' {
		return State{}, errors.Newf(errors.ErrStateFormat, "缺少斜杠定界: %q", text)
	}

	inner := t[1 : len(t)-1]
	s := NewState()
	if inner == "" {
		return s, nil
	}

	for _, part := range strings.Split(inner, ",") {
		fields := strings.SplitN(part, "x", 2)
		if len(fields) != 2 {
			return State{}, errors.Newf(errors.ErrStateFormat, "条目格式错误: %q", part)
		}
		count, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			return State{}, errors.Wrapf(err, errors.ErrStateFormat, "数量非法: %q", part)
		}
		denom, err := ParseDenomination(fields[1])
		if err != nil {
			return State{}, err
		}
		if count != 0 {
			s.counts[denom] += count
			if s.counts[denom] == 0 {
				delete(s.counts, denom)
			}
		}
	}
	return s, nil
}

// MarshalJSON JSON形式：{"200": 5, "100": 3}，键为分值字符串
func (s State) MarshalJSON() ([]byte, error) {
	m := make(map[string]int64, len(s.counts))
	for d, n := range s.counts {
		m[strconv.FormatInt(d.Cents(), 10)] = n
	}
	return json.Marshal(m)
}

// UnmarshalJSON 解析JSON形式
func (s *State) UnmarshalJSON(data []byte) error {
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.Wrap(err, errors.ErrStateFormat)
	}

	out := NewState()
	for k, n := range m {
		cents, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return errors.Wrapf(err, errors.ErrStateFormat, "JSON键非法: %q", k)
		}
		denom, err := NewDenomination(cents)
		if err != nil {
			return err
		}
		if n != 0 {
			out.counts[denom] = n
		}
	}
	*s = out
	return nil
}

// ToJSON 序列化为JSON字符串
func (s State) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON 从JSON字符串解析
func FromJSON(data string) (State, error) {
	var s State
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return State{}, err
	}
	return s, nil
}
