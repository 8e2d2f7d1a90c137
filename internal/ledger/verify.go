package ledger

import (
	"context"
	"time"

	"github.com/wfunc/cash-terminal/internal/accounting"
	"go.uber.org/zap"
)

// VerifyResult 完整性检查结果
type VerifyResult struct {
	At       time.Time `json:"at"`
	CashSum  int64     `json:"cash_sum"`  // 现金账本合计（分）
	AcctSum  int64     `json:"acct_sum"`  // 会计账 Automatenkasse 合计（分）
	OK       bool      `json:"ok"`
	DiffCent int64     `json:"diff_cent"` // CashSum - AcctSum
}

// Verifier 现金账本与会计账的一致性检查
// 不一致只上报，绝不自动修正
type Verifier struct {
	store   *Store
	acct    accounting.Ledger
	account string
	logger  *zap.Logger
}

// NewVerifier 创建检查器
func NewVerifier(store *Store, acct accounting.Ledger, account string, logger *zap.Logger) *Verifier {
	if account == "" {
		account = accounting.AccountCash
	}
	return &Verifier{store: store, acct: acct, account: account, logger: logger}
}

// Verify 比较指定时刻（缺省为当前）现金账本与会计账
func (v *Verifier) Verify(ctx context.Context, at *time.Time) (*VerifyResult, error) {
	checkAt := time.Now()
	if at != nil {
		checkAt = *at
	}

	cashSum, err := v.store.TotalAt(ctx, &checkAt)
	if err != nil {
		return nil, err
	}

	acctSum, err := v.acct.AccountSum(ctx, v.account, &checkAt)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		At:       checkAt,
		CashSum:  cashSum,
		AcctSum:  acctSum,
		OK:       cashSum == acctSum,
		DiffCent: cashSum - acctSum,
	}

	if !result.OK && v.logger != nil {
		v.logger.Warn("现金账本与会计账不一致",
			zap.Time("at", checkAt),
			zap.Int64("cash_sum", cashSum),
			zap.Int64("acct_sum", acctSum),
			zap.Int64("diff", result.DiffCent),
		)
	}

	return result, nil
}

// Search 从当前时刻向过去按指数间隔回溯，找出最早的不一致点
// 每次状态翻转都通过 report 上报；返回首个不一致时刻的上界估计
// 当前时刻一致时返回零值时间
func (v *Verifier) Search(ctx context.Context, report func(*VerifyResult)) (time.Time, error) {
	now := time.Now()

	current, err := v.Verify(ctx, &now)
	if err != nil {
		return time.Time{}, err
	}
	if report != nil {
		report(current)
	}
	if current.OK {
		// 当前就是一致的，无需回溯
		return time.Time{}, nil
	}

	// 指数回溯直到找到一致的时刻（或超出全部历史）
	step := time.Minute
	lastBad := now
	var firstGood time.Time
	found := false
	for i := 0; i < 40; i++ { // 2^40 分钟远超任何历史
		at := now.Add(-step)
		res, err := v.Verify(ctx, &at)
		if err != nil {
			return time.Time{}, err
		}
		if report != nil && res.OK != current.OK {
			report(res)
		}
		current = res

		if res.OK {
			firstGood = at
			found = true
			break
		}
		lastBad = at
		step *= 2
	}

	if !found {
		// 全部历史都不一致
		return lastBad, nil
	}

	// 二分缩小 (firstGood, lastBad] 区间
	lo, hi := firstGood, lastBad
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		res, err := v.Verify(ctx, &mid)
		if err != nil {
			return time.Time{}, err
		}
		if res.OK {
			lo = mid
		} else {
			if report != nil {
				report(res)
			}
			hi = mid
		}
	}

	return hi, nil
}
