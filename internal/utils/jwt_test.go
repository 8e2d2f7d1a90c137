package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// JWTTestSuite JWT工具测试套件
type JWTTestSuite struct {
	suite.Suite
	manager *JWTManager
}

func (suite *JWTTestSuite) SetupTest() {
	suite.manager = NewJWTManager(
		"test-secret-key",
		1*time.Hour,    // access token expiry
		7*24*time.Hour, // refresh token expiry
	)
}

// 测试生成并验证访问令牌
func (suite *JWTTestSuite) TestGenerateAndValidateAccessToken() {
	token, err := suite.manager.GenerateAccessToken(123, "kassierer", "operator")
	suite.NoError(err)
	suite.NotEmpty(token)

	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)
	suite.Equal(uint(123), claims.OperatorID)
	suite.Equal("kassierer", claims.Username)
	suite.Equal("operator", claims.Role)
	suite.Equal("access", claims.TokenType)
	suite.Equal("cash-terminal", claims.Issuer)
}

// 测试刷新令牌类型
func (suite *JWTTestSuite) TestGenerateRefreshToken() {
	token, err := suite.manager.GenerateRefreshToken(456, "admin1")
	suite.NoError(err)

	claims, err := suite.manager.ValidateToken(token)
	suite.NoError(err)
	suite.Equal("refresh", claims.TokenType)
	suite.Equal(uint(456), claims.OperatorID)
}

// 测试验证无效令牌
func (suite *JWTTestSuite) TestValidateInvalidToken() {
	claims, err := suite.manager.ValidateToken("invalid.token.format")
	suite.Error(err)
	suite.Nil(claims)

	// 错误的签名
	wrongManager := NewJWTManager("wrong-secret", 1*time.Hour, 24*time.Hour)
	token, _ := wrongManager.GenerateAccessToken(1, "user", "operator")
	claims, err = suite.manager.ValidateToken(token)
	suite.Error(err)
	suite.Nil(claims)
}

// 测试过期令牌
func (suite *JWTTestSuite) TestExpiredToken() {
	expiredManager := NewJWTManager("test-secret-key", -1*time.Hour, -1*time.Hour)

	token, _ := expiredManager.GenerateAccessToken(111, "expired", "operator")
	claims, err := suite.manager.ValidateToken(token)
	suite.Error(err)
	suite.Nil(claims)
	suite.ErrorIs(err, ErrExpiredToken)
}

// 测试刷新访问令牌
func (suite *JWTTestSuite) TestRefreshAccessToken() {
	refreshToken, _ := suite.manager.GenerateRefreshToken(222, "wechsler")

	newAccessToken, err := suite.manager.RefreshAccessToken(refreshToken, "admin")
	suite.NoError(err)
	suite.NotEmpty(newAccessToken)

	claims, err := suite.manager.ValidateToken(newAccessToken)
	suite.NoError(err)
	suite.Equal(uint(222), claims.OperatorID)
	suite.Equal("wechsler", claims.Username)
	suite.Equal("admin", claims.Role)
	suite.Equal("access", claims.TokenType)
}

// 测试访问令牌不可用于刷新
func (suite *JWTTestSuite) TestRefreshWithAccessToken() {
	accessToken, _ := suite.manager.GenerateAccessToken(1, "user", "operator")
	newToken, err := suite.manager.RefreshAccessToken(accessToken, "operator")
	suite.Error(err)
	suite.Empty(newToken)

	newToken, err = suite.manager.RefreshAccessToken("invalid.token", "operator")
	suite.Error(err)
	suite.Empty(newToken)
}

// 测试标准声明
func (suite *JWTTestSuite) TestStandardClaims() {
	token, _ := suite.manager.GenerateAccessToken(1, "user", "operator")
	claims, _ := suite.manager.ValidateToken(token)

	suite.NotNil(claims.IssuedAt)
	suite.NotNil(claims.ExpiresAt)
	suite.Greater(claims.ExpiresAt.Unix(), claims.IssuedAt.Unix())
	suite.Equal("user", claims.Subject)
}

func TestJWTSuite(t *testing.T) {
	suite.Run(t, new(JWTTestSuite))
}
