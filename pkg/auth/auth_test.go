package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleHasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleOperator))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("nobody").HasPermission(RoleViewer))
}

func TestJWTRoundTrip(t *testing.T) {
	svc, err := NewJWTService(DefaultJWTConfig("s3cret"))
	require.NoError(t, err)

	token, err := svc.GenerateToken("alice", RoleOperator)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "pollsync", claims.Issuer)
}

func TestJWTRejects(t *testing.T) {
	svc, err := NewJWTService(DefaultJWTConfig("s3cret"))
	require.NoError(t, err)
	other, err := NewJWTService(DefaultJWTConfig("different"))
	require.NoError(t, err)

	forged, err := other.GenerateToken("mallory", RoleAdmin)
	require.NoError(t, err)
	_, err = svc.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := svc.GenerateToken("alice", RoleViewer)
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.ValidateToken(old)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = NewJWTService(JWTConfig{})
	assert.Error(t, err)
}

func TestStaticKeyStore(t *testing.T) {
	store, err := ParseStaticKeys([]string{"ci:operator:abc123", "dash:viewer:xyz:with:colons"})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	info, err := store.ValidateKey(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "ci", info.Name)
	assert.Equal(t, RoleOperator, info.Role)

	info, err = store.ValidateKey(context.Background(), "xyz:with:colons")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, info.Role)

	_, err = store.ValidateKey(context.Background(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseStaticKeys_Invalid(t *testing.T) {
	_, err := ParseStaticKeys([]string{"missing-parts"})
	assert.Error(t, err)

	_, err = ParseStaticKeys([]string{"ci:root:abc"})
	assert.ErrorIs(t, err, ErrUnknownRole)

	_, err = ParseStaticKeys([]string{"ci:viewer:"})
	assert.Error(t, err)
}
