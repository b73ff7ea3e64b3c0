// ABOUTME: Tests for the account service
// ABOUTME: Covers signup policy, login indistinguishability, verify, and cascading delete

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	svc := NewService(st, newTestIssuer(t), ServiceConfig{
		AllowedDomain:     "example.com",
		MinPasswordLength: 6,
		TokenTTL:          time.Hour,
		BcryptCost:        bcrypt.MinCost,
	}, nil)
	return svc, st
}

func TestSignupThenLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Signup(ctx, "  Alice@Example.COM ", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", sess.Email)
	assert.NotEmpty(t, sess.UserID)
	assert.NotEmpty(t, sess.AccessToken)

	id, err := svc.Verify(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, id.UserID)
	assert.Equal(t, "alice@example.com", id.Email)

	login, err := svc.Login(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, login.UserID)
}

func TestSignup_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		weak     bool
	}{
		{name: "wrong domain", email: "alice@other.com", password: "hunter22"},
		{name: "subdomain is not the domain", email: "alice@evil.example.com", password: "hunter22"},
		{name: "no at sign", email: "alice", password: "hunter22"},
		{name: "empty local part", email: "@example.com", password: "hunter22"},
		{name: "short password", email: "bob@example.com", password: "abc", weak: true},
		{name: "password over 72 bytes", email: "bob@example.com", password: strings.Repeat("p", 73), weak: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Signup(ctx, tt.email, tt.password)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
			assert.Equal(t, tt.weak, errors.Is(err, ErrWeakCredential))
		})
	}
}

func TestSignup_Duplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)

	_, err = svc.Signup(ctx, "ALICE@example.com", "different")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)

	_, wrongPassword := svc.Login(ctx, "alice@example.com", "nope-nope")
	_, unknownEmail := svc.Login(ctx, "nobody@example.com", "hunter22")

	require.Error(t, wrongPassword)
	require.Error(t, unknownEmail)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
	assert.Equal(t, "invalid email or password", apperr.PublicMessage(wrongPassword))
	assert.Equal(t, apperr.HTTPStatus(wrongPassword), apperr.HTTPStatus(unknownEmail))
	assert.ErrorIs(t, wrongPassword, apperr.ErrAuth)
}

func TestLogin_InactiveUser(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	hash, err := HashPassword("hunter22", bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "u1", Email: "off@example.com", PasswordHash: hash, Active: false}))

	_, err = svc.Login(ctx, "off@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerify_BadToken(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Verify("garbage")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuth)
	assert.Equal(t, 401, apperr.HTTPStatus(err))
}

func TestDeleteAccount_CascadesAndIsIdempotent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Signup(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)
	require.NoError(t, st.SaveTurn(ctx, &store.Turn{ID: "t1", UserID: sess.UserID, AgentName: "a", Message: "m", Response: "r"}))

	require.NoError(t, svc.DeleteAccount(ctx, sess.UserID))
	require.NoError(t, svc.DeleteAccount(ctx, sess.UserID))

	turns, err := st.ListTurns(ctx, sess.UserID, 0)
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, err = svc.Me(ctx, sess.UserID)
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = svc.Login(ctx, "alice@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMe(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Signup(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)

	me, err := svc.Me(ctx, sess.UserID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", me.Email)
}

func TestSignup_PlaintextNeverStored(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, err := svc.Signup(ctx, "alice@example.com", "hunter22")
	require.NoError(t, err)

	u, err := st.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.NotContains(t, u.PasswordHash, "hunter22")
	assert.True(t, CheckPassword(u.PasswordHash, "hunter22"))
}
