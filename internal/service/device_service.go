package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"xpos/internal/apierror"
	"xpos/internal/config"
	"xpos/internal/dto"
	"xpos/internal/model"
	"xpos/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Token types carried in the "typ" claim.
const (
	TokenDevice     = "device"
	TokenEnrollment = "enrollment"
)

const secretCost = 12

type DeviceService interface {
	// Register binds a new device to the account and branch of the
	// enrollment token and returns its first token and secret.
	Register(ctx context.Context, accountID, branchID uuid.UUID, req dto.RegisterDeviceRequest) (*dto.RegisterDeviceResponse, error)
	// IssueToken exchanges a device secret for a fresh device token.
	IssueToken(ctx context.Context, req dto.DeviceTokenRequest) (*dto.DeviceTokenResponse, error)
	Heartbeat(ctx context.Context, dev DeviceContext) (*dto.HeartbeatResponse, error)
}

type deviceService struct {
	repo repository.DeviceRepository
	cfg  *config.Config
	now  func() time.Time
}

func NewDeviceService(repo repository.DeviceRepository, cfg *config.Config) DeviceService {
	return &deviceService{repo: repo, cfg: cfg, now: time.Now}
}

func (s *deviceService) Register(ctx context.Context, accountID, branchID uuid.UUID, req dto.RegisterDeviceRequest) (*dto.RegisterDeviceResponse, error) {
	secret, err := newDeviceSecret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), secretCost)
	if err != nil {
		return nil, err
	}
	d := &model.Device{
		ID:                       uuid.New(),
		AccountID:                accountID,
		BranchID:                 branchID,
		Name:                     req.DeviceName,
		Version:                  req.Version,
		Platform:                 req.Platform,
		SecretHash:               string(hash),
		SyncIntervalSeconds:      s.cfg.SyncIntervalSeconds,
		HeartbeatIntervalSeconds: s.cfg.HeartbeatIntervalSeconds,
		MaxRetryAttempts:         s.cfg.SyncMaxRetryAttempts,
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	token, _, err := IssueDeviceToken(s.cfg.JWTSecret, d, s.cfg.DeviceTokenTTL(), s.now())
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("device_id", d.ID.String()).
		Str("account_id", accountID.String()).
		Str("branch_id", branchID.String()).
		Msg("device registered")

	return &dto.RegisterDeviceResponse{
		DeviceID:     d.ID.String(),
		AccountID:    accountID.String(),
		BranchID:     branchID.String(),
		DeviceName:   d.Name,
		DeviceToken:  token,
		DeviceSecret: secret,
		SyncConfig:   syncConfigOf(d),
	}, nil
}

func (s *deviceService) IssueToken(ctx context.Context, req dto.DeviceTokenRequest) (*dto.DeviceTokenResponse, error) {
	id, err := uuid.Parse(req.DeviceID)
	if err != nil {
		return nil, apierror.Unauthorized("invalid device credentials")
	}
	d, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apierror.Unauthorized("invalid device credentials")
		}
		return nil, err
	}
	if d.Revoked {
		return nil, apierror.Unauthorized("device revoked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(d.SecretHash), []byte(req.DeviceSecret)); err != nil {
		return nil, apierror.Unauthorized("invalid device credentials")
	}
	token, exp, err := IssueDeviceToken(s.cfg.JWTSecret, d, s.cfg.DeviceTokenTTL(), s.now())
	if err != nil {
		return nil, err
	}
	return &dto.DeviceTokenResponse{DeviceToken: token, ExpiresAt: exp}, nil
}

func (s *deviceService) Heartbeat(ctx context.Context, dev DeviceContext) (*dto.HeartbeatResponse, error) {
	d, err := s.repo.FindByID(ctx, dev.DeviceID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, apierror.Unauthorized("unknown device")
		}
		return nil, err
	}
	if d.Revoked {
		return nil, apierror.Unauthorized("device revoked")
	}
	now := s.now()
	if err := s.repo.Touch(ctx, d.ID, now); err != nil {
		log.Warn().Err(err).Str("device_id", d.ID.String()).Msg("heartbeat: failed to record last_seen_at")
	}
	return &dto.HeartbeatResponse{ServerTime: now.UTC(), SyncConfig: syncConfigOf(d)}, nil
}

// IssueDeviceToken signs a device token carrying the device's bindings.
func IssueDeviceToken(secret string, d *model.Device, ttl time.Duration, now time.Time) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"typ":        TokenDevice,
		"device_id":  d.ID.String(),
		"account_id": d.AccountID.String(),
		"branch_id":  d.BranchID.String(),
		"exp":        exp.Unix(),
		"iat":        now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	return signed, exp, err
}

// IssueEnrollmentToken signs the short-lived token an operator hands to a
// new kiosk so it can register under accountID and branchID.
func IssueEnrollmentToken(secret string, accountID, branchID uuid.UUID, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	claims := jwt.MapClaims{
		"typ":        TokenEnrollment,
		"account_id": accountID.String(),
		"branch_id":  branchID.String(),
		"exp":        now.Add(ttl).Unix(),
		"iat":        now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func syncConfigOf(d *model.Device) dto.SyncConfig {
	return dto.SyncConfig{
		SyncIntervalSeconds:      d.SyncIntervalSeconds,
		HeartbeatIntervalSeconds: d.HeartbeatIntervalSeconds,
		MaxRetryAttempts:         d.MaxRetryAttempts,
	}
}

func newDeviceSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
