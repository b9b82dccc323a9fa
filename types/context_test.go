package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := UserID(ctx)
	assert.False(t, ok)

	ctx = WithUserID(ctx, "u-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithRoles(ctx, []string{"admin"})

	uid, ok := UserID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u-1", uid)

	rid, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", rid)

	roles, ok := Roles(ctx)
	assert.True(t, ok)
	assert.Equal(t, []string{"admin"}, roles)

	_, ok = UserID(WithUserID(context.Background(), ""))
	assert.False(t, ok, "empty user id is treated as absent")
}
