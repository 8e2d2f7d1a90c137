package payout

import (
	"github.com/wfunc/cash-terminal/internal/cash"
)

// Action 栈式出钞规划器的单步决策
type Action int

const (
	ActionStop      Action = iota // 结束出钞
	ActionPayout                  // 付出栈顶钞票
	ActionStackAway               // 将栈顶压入钱箱（不可逆）
)

// String 决策名
func (a Action) String() string {
	switch a {
	case ActionPayout:
		return "payout"
	case ActionStackAway:
		return "stack_away"
	default:
		return "stop"
	}
}

// StackPlanner 纸钞循环仓出钞规划器
// 设备持有一个后进先出的钞票栈，只有栈顶可付出或压入钱箱；
// 压入钱箱不可逆，规划器要在付出金额和保留库存之间权衡
type StackPlanner struct {
	// AcceptedResidue 该设备允许欠付的最坏残差（分）
	AcceptedResidue int64
}

// NewStackPlanner 创建规划器
func NewStackPlanner(acceptedResidue int64) *StackPlanner {
	return &StackPlanner{AcceptedResidue: acceptedResidue}
}

// NextAction 给定当前栈（栈顶在最后）与剩余请求金额，返回下一步动作
func (p *StackPlanner) NextAction(stack []cash.Denomination, remaining int64) Action {
	if len(stack) == 0 {
		return ActionStop
	}

	top := stack[len(stack)-1]

	// 两种前瞻：付出栈顶后贪心，与压掉栈顶后贪心
	var payPaid, payKept int64
	if top.Cents() <= remaining {
		paid, kept := p.simulate(stack[:len(stack)-1], remaining-top.Cents())
		payPaid, payKept = paid+top.Cents(), kept
	} else {
		// 栈顶付不出去时，不压钞的对照就是就地停止
		payPaid, payKept = 0, sumStack(stack)
	}
	stackPaid, stackKept := p.simulate(stack[:len(stack)-1], remaining)

	// 压钞严格更优（字典序：先比付出金额，再比保留库存）才压
	if stackPaid > payPaid || (stackPaid == payPaid && stackKept > payKept) {
		return ActionStackAway
	}

	if top.Cents() <= remaining {
		return ActionPayout
	}

	if p.wouldStack(stack, remaining) {
		return ActionStackAway
	}

	return ActionStop
}

// simulate 贪心推演：付得出就付，否则按wouldStack压钞，直到停止
// 返回付出金额与停止时仍留在栈内的金额
func (p *StackPlanner) simulate(stack []cash.Denomination, remaining int64) (paid int64, kept int64) {
	work := make([]cash.Denomination, len(stack))
	copy(work, stack)

	for len(work) > 0 {
		top := work[len(work)-1]
		if top.Cents() <= remaining {
			paid += top.Cents()
			remaining -= top.Cents()
			work = work[:len(work)-1]
			continue
		}
		if p.wouldStack(work, remaining) {
			work = work[:len(work)-1]
			continue
		}
		break
	}

	return paid, sumStack(work)
}

// wouldStack 防浪费压钞判据：仅当栈内还有付得出去的小钞，
// 且（剩余额低于允许残差时）栈顶两张中至少一张付不出去，才允许压钞
func (p *StackPlanner) wouldStack(stack []cash.Denomination, remaining int64) bool {
	if len(stack) == 0 {
		return false
	}

	smallest := stack[0]
	for _, d := range stack {
		if d < smallest {
			smallest = d
		}
	}
	if smallest.Cents() > remaining {
		return false
	}

	if remaining < p.AcceptedResidue {
		top := stack[len(stack)-1]
		tooLarge := top.Cents() > remaining
		if len(stack) >= 2 {
			tooLarge = tooLarge || stack[len(stack)-2].Cents() > remaining
		}
		if !tooLarge {
			return false
		}
	}

	return true
}

// Run 依照NextAction推演完整出钞序列（测试与容量估计使用）
// 返回付出金额、压入钱箱金额和每一步动作
func (p *StackPlanner) Run(stack []cash.Denomination, request int64) (paid int64, stackedAway int64, actions []Action) {
	work := make([]cash.Denomination, len(stack))
	copy(work, stack)

	remaining := request
	for {
		act := p.NextAction(work, remaining)
		actions = append(actions, act)
		if act == ActionStop {
			return paid, stackedAway, actions
		}

		top := work[len(work)-1]
		work = work[:len(work)-1]
		switch act {
		case ActionPayout:
			paid += top.Cents()
			remaining -= top.Cents()
		case ActionStackAway:
			stackedAway += top.Cents()
		}
	}
}

// Capability 报告 (M, R)：对任意请求 x ≤ M，规划器保证付出 ≥ x − R
// 候选额从允许残差起步，每轮取"上轮实付 + 残差 + 1"，最后一个可行值即为M
func (p *StackPlanner) Capability(stack []cash.Denomination) (max int64, residue int64) {
	residue = p.AcceptedResidue

	x := residue
	for {
		paid, _, _ := p.Run(stack, x)
		if paid < x-residue {
			break
		}
		max = x

		next := paid + residue + 1
		if next <= x {
			break
		}
		x = next
	}

	return max, residue
}

func sumStack(stack []cash.Denomination) int64 {
	var total int64
	for _, d := range stack {
		total += d.Cents()
	}
	return total
}
