package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetrek/replix/pkg/model"
)

func TestMintVerify_RoundTrip(t *testing.T) {
	token, err := Mint("secret", "db-uuid-1", time.Hour)
	require.NoError(t, err)

	sub, err := Verify("secret", token)
	require.NoError(t, err)
	assert.Equal(t, "db-uuid-1", sub)
}

func TestMint_EmptySecret(t *testing.T) {
	_, err := Mint("", "db-uuid-1", time.Hour)
	assert.Error(t, err)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, err := Mint("secret", "db-uuid-1", time.Hour)
	require.NoError(t, err)

	_, err = Verify("other", token)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestVerify_Expired(t *testing.T) {
	token, err := Mint("secret", "db-uuid-1", time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = Verify("secret", token)
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestVerify_Garbage(t *testing.T) {
	_, err := Verify("secret", "not.a.jwt")
	assert.ErrorIs(t, err, model.ErrUnauthorized)
}
