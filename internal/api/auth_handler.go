package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/cash-terminal/internal/models"
	"github.com/wfunc/cash-terminal/internal/utils"
	"gorm.io/gorm"
)

// AuthHandler 操作员认证处理器
type AuthHandler struct {
	db  *gorm.DB
	jwt *utils.JWTManager
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(db *gorm.DB, jwt *utils.JWTManager) *AuthHandler {
	return &AuthHandler{db: db, jwt: jwt}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	Operator     *models.Operator `json:"operator"`
}

// Login 操作员登录
// @Summary 操作员登录
// @Description 用户名密码换取JWT令牌
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "登录信息"
// @Success 200 {object} LoginResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST",
			Message: "请求参数错误",
			Details: err.Error(),
		})
		return
	}

	var operator models.Operator
	err := h.db.WithContext(c.Request.Context()).
		Where("username = ?", req.Username).
		First(&operator).Error
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "LOGIN_FAILED",
			Message: "用户名或密码错误",
		})
		return
	}

	if operator.Status != "active" {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Code:    "OPERATOR_DISABLED",
			Message: "账号已停用",
		})
		return
	}

	ok, err := utils.VerifyPassword(req.Password, operator.PasswordHash)
	if err != nil || !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "LOGIN_FAILED",
			Message: "用户名或密码错误",
		})
		return
	}

	accessToken, err := h.jwt.GenerateAccessToken(operator.ID, operator.Username, operator.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "TOKEN_FAILED",
			Message: "令牌签发失败",
		})
		return
	}
	refreshToken, err := h.jwt.GenerateRefreshToken(operator.ID, operator.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "TOKEN_FAILED",
			Message: "令牌签发失败",
		})
		return
	}

	now := time.Now()
	h.db.Model(&operator).Update("last_login_at", now)
	operator.LastLoginAt = &now

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Operator:     &operator,
	})
}

// RefreshRequest 刷新请求
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshToken 刷新访问令牌
// @Summary 刷新访问令牌
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "刷新令牌"
// @Success 200 {object} LoginResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/v1/auth/refresh [post]
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST",
			Message: "请求参数错误",
			Details: err.Error(),
		})
		return
	}

	claims, err := h.jwt.ValidateToken(req.RefreshToken)
	if err != nil || claims.TokenType != "refresh" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "INVALID_TOKEN",
			Message: "刷新令牌无效",
		})
		return
	}

	// 角色以数据库当前值为准，刷新即重新授权
	var operator models.Operator
	err = h.db.WithContext(c.Request.Context()).
		First(&operator, claims.OperatorID).Error
	if err != nil || operator.Status != "active" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "INVALID_TOKEN",
			Message: "账号不可用",
		})
		return
	}

	accessToken, err := h.jwt.GenerateAccessToken(operator.ID, operator.Username, operator.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "TOKEN_FAILED",
			Message: "令牌签发失败",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: req.RefreshToken,
		Operator:     &operator,
	})
}
