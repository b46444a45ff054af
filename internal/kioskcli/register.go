package kioskcli

import (
	"fmt"
	"io"
	"runtime"

	"xpos/internal/dto"
	"xpos/internal/localstore"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type RegisterOptions struct {
	*RootOptions
	Name  string
	Token string
}

func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Enroll this kiosk with the server",
		Long: `Enroll this kiosk using a one-time enrollment token issued by the
operator (see cmd/enrolltoken). The device secret returned by the server
is kept in the local store and used to refresh the device token.

Example:
  kiosk register --name front-counter --token eyJhbGciOi...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "device name shown to operators (required)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "enrollment token (default: enrollment_token from config)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runRegister(cmd *cobra.Command, opts *RegisterOptions) error {
	ctx := cmd.Context()
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if id, err := a.store.Identity(ctx); err == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("kiosk already registered as %s (%s)", id.DeviceName, id.DeviceID))
	}

	token := opts.Token
	if token == "" {
		token = opts.Kiosk.EnrollmentToken
	}
	if token == "" {
		return NewExitError(ExitCommandError, "an enrollment token is required (--token or enrollment_token)")
	}

	resp, err := a.client.Register(ctx, token, dto.RegisterDeviceRequest{
		DeviceName: opts.Name,
		Version:    Version,
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	})
	if err != nil {
		return WrapExitError(ExitCode(err), "register device", err)
	}

	id := localstore.Identity{
		DeviceName:   resp.DeviceName,
		DeviceToken:  resp.DeviceToken,
		DeviceSecret: resp.DeviceSecret,
		SyncConfig:   resp.SyncConfig,
	}
	ids := []struct {
		raw string
		dst *uuid.UUID
	}{
		{resp.DeviceID, &id.DeviceID},
		{resp.AccountID, &id.AccountID},
		{resp.BranchID, &id.BranchID},
	}
	for _, f := range ids {
		if *f.dst, err = uuid.Parse(f.raw); err != nil {
			return WrapExitError(ExitFailure, "server returned a malformed id", err)
		}
	}
	if err := a.store.SaveIdentity(ctx, id); err != nil {
		return WrapExitError(ExitFailure, "save identity", err)
	}
	log.Info().Str("device_id", resp.DeviceID).Str("device_name", resp.DeviceName).Msg("kiosk registered")

	out := struct {
		DeviceID   string         `json:"device_id" yaml:"device_id"`
		DeviceName string         `json:"device_name" yaml:"device_name"`
		AccountID  string         `json:"account_id" yaml:"account_id"`
		BranchID   string         `json:"branch_id" yaml:"branch_id"`
		SyncConfig dto.SyncConfig `json:"sync_config" yaml:"sync_config"`
	}{resp.DeviceID, resp.DeviceName, resp.AccountID, resp.BranchID, resp.SyncConfig}
	return a.out.Print(out, func(w io.Writer) {
		fmt.Fprintf(w, "registered %s as device %s\n", out.DeviceName, out.DeviceID)
		fmt.Fprintf(w, "sync every %ds, heartbeat every %ds, %d upload attempts\n",
			out.SyncConfig.SyncIntervalSeconds, out.SyncConfig.HeartbeatIntervalSeconds, out.SyncConfig.MaxRetryAttempts)
	})
}
