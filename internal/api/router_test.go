package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/cash-terminal/internal/cash"
	"github.com/wfunc/cash-terminal/internal/config"
	"github.com/wfunc/cash-terminal/internal/ledger"
	"github.com/wfunc/cash-terminal/internal/models"
	"github.com/wfunc/cash-terminal/internal/utils"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestRouter 内存库+预置操作员的路由器
func newTestRouter(t *testing.T) (*Router, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.CashEntry{},
		&models.Posting{},
		&models.DeviceStatus{},
		&models.Operator{},
	))

	hash, err := utils.HashPassword("geheim123")
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Operator{
		Username:     "kasse",
		PasswordHash: hash,
		Role:         "operator",
		Status:       "active",
	}).Error)

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test"},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:       "test-secret",
				ExpireHours:  1,
				RefreshHours: 24,
			},
		},
	}
	return NewRouter(db, cfg, nil, nil, zap.NewNop()), db
}

// login 登录并返回访问令牌
func login(t *testing.T, r *Router, username, password string) string {
	body, _ := json.Marshal(LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func TestHealthCheck(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(LoginRequest{Username: "kasse", Password: "falsch"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCashStateRequiresAuth(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cash/state", nil)
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCashStateReturnsLedger(t *testing.T) {
	r, db := newTestRouter(t)
	token := login(t, r, "kasse", "geheim123")

	// 预置一条账本状态
	store := ledger.NewStore(db)
	writer, err := ledger.OpenWriter(store, "nv-front")
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.SetState(context.Background(), "stack",
		cash.MustSingle(cash.Denomination(1000), 3), true, "Befüllung"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cash/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp StateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3000), resp.Total)
	require.Len(t, resp.Addresses, 1)
	assert.Equal(t, "nv-front.stack", resp.Addresses[0].Address)
}

func TestVerifyReportsMismatch(t *testing.T) {
	r, db := newTestRouter(t)
	token := login(t, r, "kasse", "geheim123")

	// 现金账本有钱，会计账没有对应分录
	store := ledger.NewStore(db)
	writer, err := ledger.OpenWriter(store, "mdb-changer")
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.SetState(context.Background(), "tube200",
		cash.MustSingle(cash.Denomination(200), 10), true, "Befüllung"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cash/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res ledger.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.OK)
	assert.Equal(t, int64(2000), res.CashSum)
	assert.Equal(t, int64(0), res.AcctSum)
}

func TestRefreshToken(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(LoginRequest{Username: "kasse", Password: "geheim123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var loginResp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &loginResp))

	refreshBody, _ := json.Marshal(RefreshRequest{RefreshToken: loginResp.RefreshToken})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(refreshBody))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)

	// 刷新令牌不能当访问令牌用
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+loginResp.RefreshToken)
	w = httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusListsDevices(t *testing.T) {
	r, db := newTestRouter(t)
	token := login(t, r, "kasse", "geheim123")

	require.NoError(t, db.Create(&models.DeviceStatus{
		DeviceName: "nv-front",
		Driver:     "nv",
		Mode:       "idle",
		LastSeenAt: time.Now(),
	}).Error)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.GetEngine().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "nv-front", resp.Devices[0].DeviceName)
}
