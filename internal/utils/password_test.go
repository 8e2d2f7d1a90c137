package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

// PasswordTestSuite 操作员密码哈希测试套件
type PasswordTestSuite struct {
	suite.Suite
}

// 哈希与验证的基本往返
func (suite *PasswordTestSuite) TestHashAndVerify() {
	hash, err := HashPassword("geheim123")
	suite.NoError(err)
	suite.True(strings.HasPrefix(hash, "$argon2id$"))
	suite.NotContains(hash, "geheim123")

	valid, err := VerifyPassword("geheim123", hash)
	suite.NoError(err)
	suite.True(valid)

	valid, err = VerifyPassword("Geheim123", hash)
	suite.NoError(err)
	suite.False(valid, "验证必须区分大小写")
}

// 同一密码每次加盐不同，哈希必须不同但都能验证
func (suite *PasswordTestSuite) TestSaltUniqueness() {
	const password = "kassenwart"
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		hash, err := HashPassword(password)
		suite.NoError(err)
		suite.False(seen[hash], "盐值不同的哈希不应重复")
		seen[hash] = true

		valid, err := VerifyPassword(password, hash)
		suite.NoError(err)
		suite.True(valid)
	}
}

// 自定义参数写进哈希串，验证时按串内参数重算
func (suite *PasswordTestSuite) TestCustomConfig() {
	cfg := &PasswordConfig{
		Time:    2,
		Memory:  32 * 1024,
		Threads: 2,
		KeyLen:  16,
	}
	hash, err := HashPasswordWithConfig("terminal", cfg)
	suite.NoError(err)
	suite.Contains(hash, "m=32768,t=2,p=2")

	valid, err := VerifyPassword("terminal", hash)
	suite.NoError(err)
	suite.True(valid)
}

// 操作员名可能含本地字符，密码同理
func (suite *PasswordTestSuite) TestNonASCIIPasswords() {
	for _, password := range []string{"Münze50c", "钱箱123", "P@$$w0rd!", "mit Leerzeichen "} {
		hash, err := HashPassword(password)
		suite.NoError(err)

		valid, err := VerifyPassword(password, hash)
		suite.NoError(err)
		suite.True(valid, "密码 %q 应验证成功", password)
	}
}

// 坏哈希串要报错，而不是安静地返回false
func (suite *PasswordTestSuite) TestMalformedHash() {
	for _, bad := range []string{"", "plaintext", "$argon2$kaputt", "$argon2id$v=19$m=x$salt$hash"} {
		valid, err := VerifyPassword("egal", bad)
		suite.Error(err, "哈希 %q 应判为格式错误", bad)
		suite.False(valid)
	}
}

// 随机串用于初始密码生成，长度与字符集要稳定
func (suite *PasswordTestSuite) TestGenerateRandomString() {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		str, err := GenerateRandomString(16)
		suite.NoError(err)
		suite.Len(str, 16)
		suite.False(seen[str])
		seen[str] = true

		for _, ch := range str {
			ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') ||
				(ch >= '0' && ch <= '9') || ch == '-' || ch == '_'
			suite.True(ok, "字符 %c 超出base64 URL字符集", ch)
		}
	}

	str, err := GenerateRandomString(0)
	suite.NoError(err)
	suite.Empty(str)
}

func TestPasswordSuite(t *testing.T) {
	suite.Run(t, new(PasswordTestSuite))
}
