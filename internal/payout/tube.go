package payout

import (
	"sort"

	"github.com/wfunc/cash-terminal/internal/cash"
)

const (
	// MaxCoinsPerStep 单条出币指令的硬件上限
	MaxCoinsPerStep = 15
	// MaxCoinsPerPayout 容量估计用的出币总数上限，避免"用1分币付50欧"式的荒谬承诺
	MaxCoinsPerPayout = 50
	// depletionReserve 反枯竭水位：比下一较小面额存量多出的保留张数
	depletionReserve = 5
)

// Tube 单个币管的状态
type Tube struct {
	Denom     cash.Denomination
	Count     int64
	Full      bool
	Defective bool
}

// TubePlanner 多币管硬币找零规划器
type TubePlanner struct{}

// NewTubePlanner 创建规划器
func NewTubePlanner() *TubePlanner {
	return &TubePlanner{}
}

// usable 过滤故障币管并按面额降序排序
func usable(tubes []Tube) []Tube {
	out := make([]Tube, 0, len(tubes))
	for _, t := range tubes {
		if t.Defective || t.Count <= 0 {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom > out[j].Denom })
	return out
}

// PossiblePayout 保守的可出金额下界
// 从大到小走币管：面额v存量n只有在 n×v 覆盖上一面额时才计入，
// 计入量为 n×v − 上一面额（为"顶替一枚上级硬币"留出余量）
func (p *TubePlanner) PossiblePayout(tubes []Tube) int64 {
	sorted := usable(tubes)
	if len(sorted) == 0 {
		return 0
	}

	var total int64
	var prev int64
	for _, t := range sorted {
		value := t.Count * t.Denom.Cents()
		if value < prev {
			continue
		}
		total += value - prev
		prev = t.Denom.Cents()
	}

	limit := MaxCoinsPerPayout * sorted[0].Denom.Cents()
	if total > limit {
		total = limit
	}
	return total
}

// Capability 报告 (M, R)：M为保守可出下界，R为最小可用面额减一
func (p *TubePlanner) Capability(tubes []Tube) (max int64, residue int64) {
	sorted := usable(tubes)
	if len(sorted) == 0 {
		return 0, 0
	}

	max = p.PossiblePayout(tubes)
	residue = sorted[len(sorted)-1].Denom.Cents() - 1
	return max, residue
}

// DispenseStep 选择下一条出币指令，返回面额与数量；无可出时数量为0
// 数量受请求额、币管存量与单步硬件上限约束；
// 反枯竭规则：若取币后存量跌破水位（下一较小面额存量+5）且较小面额足以顶替，
// 则少取一部分留给后续找零
func (p *TubePlanner) DispenseStep(tubes []Tube, remaining int64) (cash.Denomination, int64) {
	sorted := usable(tubes)

	for i, t := range sorted {
		v := t.Denom.Cents()
		if v > remaining {
			continue
		}

		take := remaining / v
		if take > t.Count {
			take = t.Count
		}
		if take > MaxCoinsPerStep {
			take = MaxCoinsPerStep
		}
		if take <= 0 {
			continue
		}

		if i+1 < len(sorted) {
			next := sorted[i+1]
			smallerValue := next.Count * next.Denom.Cents()
			threshold := next.Count + depletionReserve
			if t.Count-take < threshold && smallerValue >= v && take > 1 {
				take--
			}
		}

		return t.Denom, take
	}

	return 0, 0
}

// Plan 反复应用DispenseStep直至无法继续，返回完整出币计划
// 仅用于测试与容量验证；真实设备逐条指令执行并在每条后刷新币管状态
func (p *TubePlanner) Plan(tubes []Tube, request int64) (cash.State, int64) {
	work := make([]Tube, len(tubes))
	copy(work, tubes)

	plan := cash.NewState()
	remaining := request
	for remaining > 0 {
		denom, count := p.DispenseStep(work, remaining)
		if count == 0 {
			break
		}

		for i := range work {
			if work[i].Denom == denom {
				work[i].Count -= count
				break
			}
		}

		step, err := cash.Single(denom, count)
		if err != nil {
			break
		}
		plan = plan.Add(step)
		remaining -= denom.Cents() * count
	}

	return plan, request - remaining
}
