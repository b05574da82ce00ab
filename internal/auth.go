package internal

import (
	"context"
	"crypto/subtle"

	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
)

// Authorizer 驗證憑證並返回主體 ID
type Authorizer interface {
	Verify(ctx context.Context, credential string) (principal string, err error)
}

// StaticAuthorizer 以配置中的 token 對照表驗證
type StaticAuthorizer struct {
	tokens map[string]string
}

// NewStaticAuthorizer 創建 StaticAuthorizer；tokens 為 token -> principal
func NewStaticAuthorizer(tokens map[string]string) *StaticAuthorizer {
	copied := make(map[string]string, len(tokens))
	for token, principal := range tokens {
		copied[token] = principal
	}
	return &StaticAuthorizer{tokens: copied}
}

// Verify 以常數時間比較 token
func (a *StaticAuthorizer) Verify(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", apperrors.ErrUnauthorized.WithDetails("missing credential")
	}

	var principal string
	for token, p := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(credential)) == 1 {
			principal = p
		}
	}
	if principal == "" {
		return "", apperrors.ErrUnauthorized
	}
	return principal, nil
}
