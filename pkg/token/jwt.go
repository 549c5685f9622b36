// Package token 校验外部身份提供方签发的 JSON Web Tokens (JWT)，并从中取出会话所有者 ID。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingOwner 表示 token 中既没有 ownerId 也没有 sub。
var ErrMissingOwner = errors.New("token carries no owner identity")

// Verifier 负责 JWT 的验证，测试和本地工具也可以用它签发 token。
type Verifier struct {
	secretKey []byte
	issuer    string
}

// IdentityClaims 是身份 token 中我们关心的声明。
// OwnerID 优先；缺失时退回到标准的 sub 声明。
type IdentityClaims struct {
	OwnerID string `json:"ownerId,omitempty"`
	jwt.RegisteredClaims
}

// Owner 返回 token 所代表的所有者 ID。
func (c *IdentityClaims) Owner() string {
	if c.OwnerID != "" {
		return c.OwnerID
	}
	return c.Subject
}

// NewVerifier 创建一个新的 Verifier。issuer 为空时不校验 iss。
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secretKey: []byte(secret), issuer: issuer}
}

// GenerateToken 为指定所有者签发一个 HS256 token。
func (v *Verifier) GenerateToken(ownerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			Issuer:    v.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// VerifyToken 验证给定的 token 字符串。
// 签名不匹配、已过期或缺少所有者时返回错误。
func (v *Verifier) VerifyToken(tokenString string) (*IdentityClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*IdentityClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Owner() == "" {
		return nil, ErrMissingOwner
	}
	return claims, nil
}
