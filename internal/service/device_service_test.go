package service

import (
	"context"
	"testing"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/dto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeviceHarness() (*deviceService, *stubDeviceRepo) {
	repo := newStubDeviceRepo()
	svc := NewDeviceService(repo, testConfig()).(*deviceService)
	svc.now = func() time.Time { return syncNow }
	return svc, repo
}

func parseClaims(t *testing.T, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return syncNow }))
	require.NoError(t, err)
	return claims
}

func TestDeviceLifecycle_RegisterTokenHeartbeat(t *testing.T) {
	svc, repo := newDeviceHarness()
	ctx := context.Background()
	account, branch := uuid.New(), uuid.New()

	reg, err := svc.Register(ctx, account, branch, dto.RegisterDeviceRequest{DeviceName: "Front kiosk", Version: "1.4.0", Platform: "linux"})
	require.NoError(t, err)
	assert.Equal(t, account.String(), reg.AccountID)
	assert.Equal(t, branch.String(), reg.BranchID)
	assert.Len(t, reg.DeviceSecret, 64)
	assert.Equal(t, dto.SyncConfig{SyncIntervalSeconds: 60, HeartbeatIntervalSeconds: 15, MaxRetryAttempts: 5}, reg.SyncConfig)

	stored := repo.devices[uuid.MustParse(reg.DeviceID)]
	require.NotNil(t, stored)
	assert.NotEqual(t, reg.DeviceSecret, stored.SecretHash, "only the hash is stored")

	claims := parseClaims(t, reg.DeviceToken)
	assert.Equal(t, TokenDevice, claims["typ"])
	assert.Equal(t, reg.DeviceID, claims["device_id"])
	assert.Equal(t, account.String(), claims["account_id"])

	tok, err := svc.IssueToken(ctx, dto.DeviceTokenRequest{DeviceID: reg.DeviceID, DeviceSecret: reg.DeviceSecret})
	require.NoError(t, err)
	assert.Equal(t, syncNow.Add(24*time.Hour), tok.ExpiresAt)
	assert.Equal(t, branch.String(), parseClaims(t, tok.DeviceToken)["branch_id"])

	hb, err := svc.Heartbeat(ctx, DeviceContext{DeviceID: stored.ID, AccountID: account, BranchID: branch})
	require.NoError(t, err)
	assert.Equal(t, syncNow, hb.ServerTime)
	assert.Equal(t, syncNow, repo.touched[stored.ID])
}

func TestIssueToken_WrongSecret(t *testing.T) {
	svc, _ := newDeviceHarness()
	ctx := context.Background()
	reg, err := svc.Register(ctx, uuid.New(), uuid.New(), dto.RegisterDeviceRequest{DeviceName: "k"})
	require.NoError(t, err)

	_, err = svc.IssueToken(ctx, dto.DeviceTokenRequest{DeviceID: reg.DeviceID, DeviceSecret: "nope"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindUnauthorized, apierror.KindOf(err))
}

func TestIssueToken_RevokedDevice(t *testing.T) {
	svc, repo := newDeviceHarness()
	ctx := context.Background()
	reg, err := svc.Register(ctx, uuid.New(), uuid.New(), dto.RegisterDeviceRequest{DeviceName: "k"})
	require.NoError(t, err)
	repo.devices[uuid.MustParse(reg.DeviceID)].Revoked = true

	_, err = svc.IssueToken(ctx, dto.DeviceTokenRequest{DeviceID: reg.DeviceID, DeviceSecret: reg.DeviceSecret})
	require.Error(t, err)
	assert.Equal(t, apierror.KindUnauthorized, apierror.KindOf(err))
}

func TestHeartbeat_UnknownDevice(t *testing.T) {
	svc, _ := newDeviceHarness()
	_, err := svc.Heartbeat(context.Background(), DeviceContext{DeviceID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, apierror.KindUnauthorized, apierror.KindOf(err))
}

func TestIssueEnrollmentToken(t *testing.T) {
	account, branch := uuid.New(), uuid.New()
	tok, err := IssueEnrollmentToken("test-secret", account, branch, time.Hour, syncNow)
	require.NoError(t, err)

	claims := parseClaims(t, tok)
	assert.Equal(t, TokenEnrollment, claims["typ"])
	assert.Equal(t, account.String(), claims["account_id"])
	assert.NotContains(t, claims, "device_id")

	_, err = IssueEnrollmentToken("", account, branch, time.Hour, syncNow)
	assert.Error(t, err)
}
