package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/cash-terminal/internal/accounting"
	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/ledger"
)

// CashHandler 现金账本查询与对账处理器
type CashHandler struct {
	store *ledger.Store
	acct  accounting.Ledger
}

// NewCashHandler 创建现金处理器
func NewCashHandler(store *ledger.Store, acct accounting.Ledger) *CashHandler {
	return &CashHandler{store: store, acct: acct}
}

// parseTimeParam 解析RFC3339时间参数；缺省返回nil
func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_TIME",
			Message: "时间参数格式错误，需要RFC3339",
			Details: name + "=" + raw,
		})
		return nil, false
	}
	return &t, true
}

// AddressState 单一存储地址的现金状态
type AddressState struct {
	Address string     `json:"address"`
	State   cash.State `json:"state"`
	Sum     int64      `json:"sum"`
}

// StateResponse 现金状态响应
type StateResponse struct {
	At        *time.Time     `json:"at,omitempty"`
	Addresses []AddressState `json:"addresses"`
	Total     int64          `json:"total"`
}

// GetState 查询全部存储地址的现金状态
// @Summary 现金状态
// @Description 指定时刻（缺省当前）每个存储地址的面额分布与合计
// @Tags Cash
// @Produce json
// @Security Bearer
// @Param at query string false "RFC3339时刻"
// @Success 200 {object} StateResponse
// @Router /api/v1/cash/state [get]
func (h *CashHandler) GetState(c *gin.Context) {
	at, ok := parseTimeParam(c, "at")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	addrs, err := h.store.Addresses(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: "QUERY_FAILED", Message: err.Error(),
		})
		return
	}

	resp := StateResponse{At: at, Addresses: make([]AddressState, 0, len(addrs))}
	for _, addr := range addrs {
		state, err := h.store.GetState(ctx, addr, at)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Code: "QUERY_FAILED", Message: err.Error(),
			})
			return
		}
		resp.Addresses = append(resp.Addresses, AddressState{
			Address: addr.String(),
			State:   state,
			Sum:     state.Sum(),
		})
	}

	total, err := h.store.TotalAt(ctx, at)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: "QUERY_FAILED", Message: err.Error(),
		})
		return
	}
	resp.Total = total

	c.JSON(http.StatusOK, resp)
}

// GetLog 查询账本条目
// @Summary 账本流水
// @Tags Cash
// @Produce json
// @Security Bearer
// @Param from query string false "起始时刻（含）"
// @Param to query string false "结束时刻（含）"
// @Success 200 {array} models.CashEntry
// @Router /api/v1/cash/log [get]
func (h *CashHandler) GetLog(c *gin.Context) {
	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}

	entries, err := h.store.Entries(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: "QUERY_FAILED", Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Verify 现金账本与会计账一致性检查
// @Summary 对账
// @Tags Cash
// @Produce json
// @Security Bearer
// @Param at query string false "RFC3339时刻"
// @Success 200 {object} ledger.VerifyResult
// @Router /api/v1/cash/verify [get]
func (h *CashHandler) Verify(c *gin.Context) {
	at, ok := parseTimeParam(c, "at")
	if !ok {
		return
	}

	verifier := ledger.NewVerifier(h.store, h.acct, accounting.AccountCash, nil)
	res, err := verifier.Verify(c.Request.Context(), at)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: "VERIFY_FAILED", Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// SearchResponse 不一致回溯结果
type SearchResponse struct {
	FirstBad *time.Time             `json:"first_bad,omitempty"` // 首个不一致时刻的上界估计
	Steps    []*ledger.VerifyResult `json:"steps"`
}

// VerifySearch 回溯查找最早的不一致点
// @Summary 对账回溯
// @Description 从当前时刻向过去回溯，定位账本与会计账开始偏离的时刻
// @Tags Cash
// @Produce json
// @Security Bearer
// @Success 200 {object} SearchResponse
// @Router /api/v1/cash/verify/search [get]
func (h *CashHandler) VerifySearch(c *gin.Context) {
	verifier := ledger.NewVerifier(h.store, h.acct, accounting.AccountCash, nil)

	var steps []*ledger.VerifyResult
	firstBad, err := verifier.Search(c.Request.Context(), func(res *ledger.VerifyResult) {
		steps = append(steps, res)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: "VERIFY_FAILED", Message: err.Error(),
		})
		return
	}

	resp := SearchResponse{Steps: steps}
	if !firstBad.IsZero() {
		resp.FirstBad = &firstBad
	}
	c.JSON(http.StatusOK, resp)
}
