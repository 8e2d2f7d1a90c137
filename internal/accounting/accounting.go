package accounting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/models"
	"gorm.io/gorm"
)

// 预定义账户名
const (
	AccountCash    = "Automatenkasse"            // 机内现金
	AccountResidue = "Unverwendbare Überzahlung" // 不可退还溢付
	AccountSales   = "Verkauf"                   // 销售收入
	AccountPayout  = "Barauszahlung"             // 独立现金支出
)

// Ledger 会计账接口（复式记账）
// 机内现金账户 Automatenkasse 的分录合计必须与现金账本完全一致
type Ledger interface {
	// Postings 查询指定时间范围内的分录（边界包含）
	Postings(ctx context.Context, from, to *time.Time) ([]models.Posting, error)
	// PostDoubleEntry 原子写入一借一贷两条分录
	PostDoubleEntry(ctx context.Context, date time.Time, debit, credit string, amount int64, reference, comment string) error
	// AccountSum 指定账户到指定时刻（含）为止的分录合计
	AccountSum(ctx context.Context, account string, until *time.Time) (int64, error)
}

// ledgerRepo GORM实现
type ledgerRepo struct {
	db *gorm.DB
}

// New 创建会计账
func New(db *gorm.DB) Ledger {
	return &ledgerRepo{db: db}
}

// Postings 查询分录
func (r *ledgerRepo) Postings(ctx context.Context, from, to *time.Time) ([]models.Posting, error) {
	q := r.db.WithContext(ctx).Model(&models.Posting{})
	if from != nil {
		q = q.Where("date >= ?", *from)
	}
	if to != nil {
		q = q.Where("date <= ?", *to)
	}

	var postings []models.Posting
	if err := q.Order("id").Find(&postings).Error; err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return postings, nil
}

// PostDoubleEntry 原子写入一借一贷
func (r *ledgerRepo) PostDoubleEntry(ctx context.Context, date time.Time, debit, credit string, amount int64, reference, comment string) error {
	if amount < 0 {
		return errors.Newf(errors.ErrInvalidAmount, "金额不可为负: %d", amount)
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries := []models.Posting{
			{Date: date, Account: debit, Amount: amount, Reference: reference, Comment: comment},
			{Date: date, Account: credit, Amount: -amount, Reference: reference, Comment: comment},
		}
		return tx.Create(&entries).Error
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrTransaction)
	}
	return nil
}

// AccountSum 账户分录合计
func (r *ledgerRepo) AccountSum(ctx context.Context, account string, until *time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Posting{}).Where("account = ?", account)
	if until != nil {
		q = q.Where("date <= ?", *until)
	}

	var sum *int64
	if err := q.Select("SUM(amount)").Scan(&sum).Error; err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}
