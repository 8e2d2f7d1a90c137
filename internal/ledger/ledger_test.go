package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/errors"
	"github.com/wfunc/cash-terminal/internal/models"
	"gorm.io/gorm"
)

// LedgerTestSuite 现金账本测试套件
type LedgerTestSuite struct {
	suite.Suite
	db    *gorm.DB
	store *Store
}

func (suite *LedgerTestSuite) SetupTest() {
	suite.db = SetupTestDB()
	suite.store = NewStore(suite.db)
}

func (suite *LedgerTestSuite) TearDownTest() {
	CleanupTestDB(suite.db)
}

func (suite *LedgerTestSuite) TestSetAndGetState() {
	ctx := context.Background()
	addr := Address{Device: "changer", Sub: "tube3"}

	state := cash.MustSingle(50, 30)
	err := suite.store.SetState(ctx, addr, state, true, "初始化")
	assert.NoError(suite.T(), err)

	got, err := suite.store.GetState(ctx, addr, nil)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), state.Equal(got))

	// 未写过的地址返回空状态
	empty, err := suite.store.GetState(ctx, Address{Device: "changer", Sub: "cashbox"}, nil)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), empty.IsZero())
}

func (suite *LedgerTestSuite) TestAddToState() {
	ctx := context.Background()
	addr := Address{Device: "changer", Sub: "main"}

	assert.NoError(suite.T(), suite.store.SetState(ctx, addr, cash.MustSingle(100, 3), false, "seed"))
	assert.NoError(suite.T(), suite.store.AddToState(ctx, addr, cash.MustSingle(100, 2), false, "收款"))
	assert.NoError(suite.T(), suite.store.AddToState(ctx, addr, cash.MustSingle(100, -1), false, "出款"))

	got, err := suite.store.GetState(ctx, addr, nil)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(4), got.Count(100))
	assert.Equal(suite.T(), int64(400), got.Sum())
}

func (suite *LedgerTestSuite) TestLedgerConservation() {
	// 不变量：任意时刻的状态等于最近一次set加上其后全部add/move增量
	ctx := context.Background()
	addr := Address{Device: "note", Sub: "stack"}

	assert.NoError(suite.T(), suite.store.SetState(ctx, addr, cash.MustSingle(1000, 5), false, "set"))
	assert.NoError(suite.T(), suite.store.AddToState(ctx, addr, cash.MustSingle(1000, 2), false, "a1"))
	assert.NoError(suite.T(), suite.store.AddToState(ctx, addr, cash.MustSingle(2000, 1), false, "a2"))
	assert.NoError(suite.T(), suite.store.AddToState(ctx, addr, cash.MustSingle(1000, -3), false, "a3"))

	entries, err := suite.store.Entries(ctx, nil, nil)
	assert.NoError(suite.T(), err)

	// 从最近一次set出发，以相邻条目之差作为增量重放
	replay := cash.NewState()
	prev := cash.NewState()
	for _, e := range entries {
		st, err := cash.FromJSON(e.State)
		assert.NoError(suite.T(), err)
		switch e.UpdateType {
		case models.UpdateSet:
			replay = st
		case models.UpdateAdd, models.UpdateMove:
			delta := st.Sub(prev)
			replay = replay.Add(delta)
		}
		prev = st
	}

	current, err := suite.store.GetState(ctx, addr, nil)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), replay.Equal(current))
	assert.Equal(suite.T(), int64(5000-1000+2000), current.Sum())
}

func (suite *LedgerTestSuite) TestMove() {
	ctx := context.Background()

	stack := Address{Device: "note", Sub: "stack"}
	cashbox := Address{Device: "note", Sub: "cashbox"}
	assert.NoError(suite.T(), suite.store.SetState(ctx, stack, cash.MustSingle(1000, 4), false, "seed"))

	err := suite.store.Move(ctx, "note", "stack", "cashbox", 1000, 2, false, "压钞")
	assert.NoError(suite.T(), err)

	fromState, _ := suite.store.GetState(ctx, stack, nil)
	toState, _ := suite.store.GetState(ctx, cashbox, nil)
	assert.Equal(suite.T(), int64(2), fromState.Count(1000))
	assert.Equal(suite.T(), int64(2), toState.Count(1000))

	// 成对条目共享时间戳与备注，且位于同一设备
	entries, err := suite.store.Entries(ctx, nil, nil)
	assert.NoError(suite.T(), err)
	var moves []models.CashEntry
	for _, e := range entries {
		if e.UpdateType == models.UpdateMove {
			moves = append(moves, e)
		}
	}
	assert.Len(suite.T(), moves, 2)
	assert.Equal(suite.T(), moves[0].Date, moves[1].Date)
	assert.Equal(suite.T(), moves[0].Comment, moves[1].Comment)

	// 搬移不改变设备总额
	total, err := suite.store.TotalAt(ctx, nil)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(4000), total)
}

func (suite *LedgerTestSuite) TestMoveRejectsSameSub() {
	err := suite.store.Move(context.Background(), "note", "stack", "stack", 1000, 1, false, "x")
	assert.Error(suite.T(), err)
}

func (suite *LedgerTestSuite) TestLogOnlyOnLogSub() {
	ctx := context.Background()

	assert.NoError(suite.T(), suite.store.Log(ctx, "note", "维护备注"))

	entries, err := suite.store.Entries(ctx, nil, nil)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), entries, 1)
	assert.Equal(suite.T(), "note.log", entries[0].Device)
	assert.Equal(suite.T(), models.UpdateLog, entries[0].UpdateType)

	st, err := cash.FromJSON(entries[0].State)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), st.IsZero())

	// log 子仓不允许 set / add
	logAddr := Address{Device: "note", Sub: models.LogSubIndex}
	assert.Error(suite.T(), suite.store.SetState(ctx, logAddr, cash.MustSingle(100, 1), true, "x"))
	assert.Error(suite.T(), suite.store.AddToState(ctx, logAddr, cash.MustSingle(100, 1), true, "x"))
}

func (suite *LedgerTestSuite) TestPointInTimeQuery() {
	ctx := context.Background()
	addr := Address{Device: "changer", Sub: "main"}

	assert.NoError(suite.T(), suite.store.SetState(ctx, addr, cash.MustSingle(100, 1), false, "t1"))
	mid := time.Now()
	time.Sleep(5 * time.Millisecond)
	assert.NoError(suite.T(), suite.store.AddToState(ctx, addr, cash.MustSingle(100, 9), false, "t2"))

	atMid, err := suite.store.GetState(ctx, addr, &mid)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), atMid.Count(100))

	now, err := suite.store.GetState(ctx, addr, nil)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(10), now.Count(100))
}

func (suite *LedgerTestSuite) TestWriterRegistry() {
	w1, err := OpenWriter(suite.store, "changer")
	assert.NoError(suite.T(), err)

	// 同名第二个写入者被拒绝
	_, err = OpenWriter(suite.store, "changer")
	assert.Error(suite.T(), err)
	assert.True(suite.T(), errors.Is(err, errors.ErrLedgerConflict))

	// 不同名可以
	w2, err := OpenWriter(suite.store, "note")
	assert.NoError(suite.T(), err)
	w2.Close()

	// 关闭后可重新打开
	w1.Close()
	w3, err := OpenWriter(suite.store, "changer")
	assert.NoError(suite.T(), err)
	w3.Close()
}

func (suite *LedgerTestSuite) TestParseAddress() {
	addr, err := ParseAddress("changer.tube3")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "changer", addr.Device)
	assert.Equal(suite.T(), "tube3", addr.Sub)

	for _, bad := range []string{"", "changer", ".sub", "dev."} {
		_, err := ParseAddress(bad)
		assert.Error(suite.T(), err, "%q", bad)
	}
}

func TestLedgerTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

// VerifyTestSuite 一致性检查测试套件
type VerifyTestSuite struct {
	suite.Suite
	db       *gorm.DB
	store    *Store
	acct     accounting.Ledger
	verifier *Verifier
}

func (suite *VerifyTestSuite) SetupTest() {
	suite.db = SetupTestDB()
	suite.store = NewStore(suite.db)
	suite.acct = accounting.New(suite.db)
	suite.verifier = NewVerifier(suite.store, suite.acct, accounting.AccountCash, nil)
}

func (suite *VerifyTestSuite) TearDownTest() {
	CleanupTestDB(suite.db)
}

func (suite *VerifyTestSuite) TestVerifyMatch() {
	ctx := context.Background()

	// 现金账本 123.45 €
	st, err := cash.FromCounts(map[cash.Denomination]int64{10000: 1, 2000: 1, 200: 1, 100: 1, 20: 2, 5: 1})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(12345), st.Sum())
	assert.NoError(suite.T(), suite.store.SetState(ctx, Address{Device: "note", Sub: "stack"}, st, true, "seed"))

	// 会计账同额
	assert.NoError(suite.T(), suite.acct.PostDoubleEntry(ctx, time.Now(), accounting.AccountCash, accounting.AccountSales, 12345, "", "seed"))

	res, err := suite.verifier.Verify(ctx, nil)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), res.OK)
	assert.Equal(suite.T(), int64(0), res.DiffCent)
}

func (suite *VerifyTestSuite) TestVerifyOneCentMismatch() {
	ctx := context.Background()

	// 现金账本 123.45 €，会计账只有 123.44 €
	st, err := cash.FromCounts(map[cash.Denomination]int64{10000: 1, 2000: 1, 200: 1, 100: 1, 20: 2, 5: 1})
	assert.NoError(suite.T(), err)
	assert.NoError(suite.T(), suite.store.SetState(ctx, Address{Device: "note", Sub: "stack"}, st, true, "seed"))
	assert.NoError(suite.T(), suite.acct.PostDoubleEntry(ctx, time.Now(), accounting.AccountCash, accounting.AccountSales, 12344, "", "seed"))

	res, err := suite.verifier.Verify(ctx, nil)
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), res.OK)
	assert.Equal(suite.T(), int64(1), res.DiffCent)
}

func (suite *VerifyTestSuite) TestSearchFindsDrift() {
	ctx := context.Background()

	// 历史一致，随后账本多出1分
	past := time.Now().Add(-10 * time.Minute)
	suite.db.Create(&models.CashEntry{
		Device: "note.stack", Date: past, State: `{"100":1}`,
		UpdateType: models.UpdateSet, IsManual: true, Comment: "seed",
	})
	suite.db.Create(&models.Posting{Date: past, Account: accounting.AccountCash, Amount: 100, Reference: "r", Comment: "seed"})
	suite.db.Create(&models.Posting{Date: past, Account: accounting.AccountSales, Amount: -100, Reference: "r", Comment: "seed"})

	drift := time.Now().Add(-3 * time.Minute)
	suite.db.Create(&models.CashEntry{
		Device: "note.stack", Date: drift, State: `{"100":1,"1":1}`,
		UpdateType: models.UpdateAdd, IsManual: false, Comment: "drift",
	})

	var flips []*VerifyResult
	at, err := suite.verifier.Search(ctx, func(r *VerifyResult) {
		flips = append(flips, r)
	})
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), at.IsZero())
	// 定位点在漂移时刻附近
	assert.WithinDuration(suite.T(), drift, at, 30*time.Second)
	assert.NotEmpty(suite.T(), flips)
}

func (suite *VerifyTestSuite) TestSearchCleanHistory() {
	at, err := suite.verifier.Search(context.Background(), nil)
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), at.IsZero())
}

func TestVerifyTestSuite(t *testing.T) {
	suite.Run(t, new(VerifyTestSuite))
}
