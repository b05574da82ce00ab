package internal_test

import (
	"context"
	"testing"

	"github.com/koopa0/system-design/post-counter-cache/internal"
	apperrors "github.com/koopa0/system-design/post-counter-cache/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthorizer_Verify(t *testing.T) {
	tokens := map[string]string{"alpha": "user-1", "beta": "user-2"}
	auth := internal.NewStaticAuthorizer(tokens)

	// 建立後修改原表不影響驗證
	tokens["gamma"] = "user-3"

	tests := []struct {
		credential string
		want       string
		wantErr    bool
	}{
		{credential: "alpha", want: "user-1"},
		{credential: "beta", want: "user-2"},
		{credential: "gamma", wantErr: true},
		{credential: "", wantErr: true},
		{credential: "alph", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.credential, func(t *testing.T) {
			principal, err := auth.Verify(context.Background(), tt.credential)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsUnauthorized(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, principal)
		})
	}
}
