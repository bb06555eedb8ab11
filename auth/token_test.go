package auth_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronitervo/creditledger/auth"
)

const secret = "test-secret-0123456789"

func TestIssueVerify(t *testing.T) {
	a, err := auth.New(secret)
	require.NoError(t, err)

	token, err := a.Issue("user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	uid, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
}

func TestVerify_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, err := auth.New(secret, auth.WithTTL(time.Minute), auth.WithClock(clock))
	require.NoError(t, err)

	token, err := a.Issue("user-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(token)
	assert.ErrorIs(t, err, auth.ErrExpired)
}

func TestVerify_WrongSecret(t *testing.T) {
	a, err := auth.New(secret)
	require.NoError(t, err)
	b, err := auth.New("another-secret-9876543210")
	require.NoError(t, err)

	token, err := a.Issue("user-1")
	require.NoError(t, err)

	_, err = b.Verify(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerify_Malformed(t *testing.T) {
	a, err := auth.New(secret)
	require.NoError(t, err)

	for _, token := range []string{"", "abc", "a.b", "a.b.c", "token:user:role"} {
		_, err := a.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken, "token %q", token)
	}
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := auth.New("short")
	assert.Error(t, err)
}

func TestIssue_EmptyUser(t *testing.T) {
	a, err := auth.New(secret)
	require.NoError(t, err)
	_, err = a.Issue("")
	assert.Error(t, err)
}
