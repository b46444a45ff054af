package fiscal

import (
	"context"
	"fmt"
	"math"
	"time"

	"xpos/internal/apierror"
)

// ShiftStatusFrom derives duration and expiry uniformly for every vendor.
// Printers only report whether a shift is open and when it was opened.
func ShiftStatusFrom(isOpen bool, openedAt *time.Time, maxAge time.Duration, now time.Time) *ShiftStatus {
	st := &ShiftStatus{IsOpen: isOpen}
	if !isOpen || openedAt == nil {
		return st
	}
	opened := *openedAt
	st.OpenedAt = &opened
	d := now.Sub(opened)
	if d < 0 {
		d = 0
	}
	st.DurationHours = math.Round(d.Hours()*100) / 100
	st.IsExpired = d >= maxAge
	return st
}

// EnsureShift opens a shift when none is open and fails with a retryable
// ShiftExpired error when the open one has outlived the configured maximum.
func EnsureShift(ctx context.Context, p Provider, cfg Config) (*ShiftStatus, error) {
	st, err := p.GetShiftStatus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if st.IsExpired {
		return st, apierror.ShiftExpired(fmt.Sprintf("shift open for %.2fh exceeds %dh limit; close and reopen the shift", st.DurationHours, int(cfg.maxShift().Hours())))
	}
	if st.IsOpen {
		return st, nil
	}
	if err := p.OpenShift(ctx, cfg); err != nil {
		return nil, err
	}
	return p.GetShiftStatus(ctx, cfg)
}

// parseVendorTime accepts the handful of layouts printers use for shift timestamps.
func parseVendorTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"02.01.2006 15:04:05",
		"02-01-06 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.ParseInLocation(l, s, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, apierror.Protocol(fmt.Sprintf("unrecognized shift timestamp %q", s))
}
