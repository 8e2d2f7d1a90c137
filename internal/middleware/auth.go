package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/cash-terminal/internal/utils"
)

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	jwt *utils.JWTManager
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(jwt *utils.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// RequireAuth 需要认证的中间件
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "NO_TOKEN",
				"message": "缺少认证令牌",
			})
			c.Abort()
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil || claims.TokenType != "access" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "无效的令牌",
			})
			c.Abort()
			return
		}

		m.setContext(c, claims, token)
		c.Next()
	}
}

// RequireRole 需要特定角色的中间件
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "NO_TOKEN",
				"message": "缺少认证令牌",
			})
			c.Abort()
			return
		}

		claims, err := m.jwt.ValidateToken(token)
		if err != nil || claims.TokenType != "access" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "无效的令牌",
			})
			c.Abort()
			return
		}

		hasRole := false
		for _, role := range roles {
			if claims.Role == role {
				hasRole = true
				break
			}
		}
		if !hasRole {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "INSUFFICIENT_PERMISSION",
				"message": "权限不足",
			})
			c.Abort()
			return
		}

		m.setContext(c, claims, token)
		c.Next()
	}
}

func (m *AuthMiddleware) setContext(c *gin.Context, claims *utils.JWTClaims, token string) {
	c.Set("operatorID", claims.OperatorID)
	c.Set("username", claims.Username)
	c.Set("role", claims.Role)
	c.Set("token", token)
}

// extractToken 从请求中提取令牌
func (m *AuthMiddleware) extractToken(c *gin.Context) string {
	// Authorization: Bearer <token>
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.Split(bearerToken, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// WebSocket握手无法带Header时退回Query参数
	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}

// GetOperatorID 从上下文获取操作员ID
func GetOperatorID(c *gin.Context) (uint, bool) {
	if operatorID, exists := c.Get("operatorID"); exists {
		if id, ok := operatorID.(uint); ok {
			return id, true
		}
	}
	return 0, false
}

// GetUsername 从上下文获取操作员名
func GetUsername(c *gin.Context) (string, bool) {
	if username, exists := c.Get("username"); exists {
		if name, ok := username.(string); ok {
			return name, true
		}
	}
	return "", false
}

// GetRole 从上下文获取角色
func GetRole(c *gin.Context) (string, bool) {
	if role, exists := c.Get("role"); exists {
		if r, ok := role.(string); ok {
			return r, true
		}
	}
	return "", false
}
