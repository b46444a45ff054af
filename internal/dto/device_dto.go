package dto

import "time"

// SyncConfig is the per-device sync schedule handed out at registration and
// on every heartbeat.
type SyncConfig struct {
	SyncIntervalSeconds      int `json:"sync_interval_seconds" yaml:"sync_interval_seconds"`
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	MaxRetryAttempts         int `json:"max_retry_attempts" yaml:"max_retry_attempts"`
}

type RegisterDeviceRequest struct {
	DeviceName string `json:"device_name" validate:"required,max=120"`
	Version    string `json:"version"     validate:"max=40"`
	Platform   string `json:"platform"    validate:"max=40"`
}

// RegisterDeviceResponse carries the device secret exactly once; the kiosk
// stores it to refresh its token later.
type RegisterDeviceResponse struct {
	DeviceID     string     `json:"device_id"`
	AccountID    string     `json:"account_id"`
	BranchID     string     `json:"branch_id"`
	DeviceName   string     `json:"device_name"`
	DeviceToken  string     `json:"device_token"`
	DeviceSecret string     `json:"device_secret"`
	SyncConfig   SyncConfig `json:"sync_config"`
}

type DeviceTokenRequest struct {
	DeviceID     string `json:"device_id"     validate:"required,uuid"`
	DeviceSecret string `json:"device_secret" validate:"required"`
}

type DeviceTokenResponse struct {
	DeviceToken string    `json:"device_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type HeartbeatResponse struct {
	ServerTime time.Time  `json:"server_time"`
	SyncConfig SyncConfig `json:"sync_config"`
}
