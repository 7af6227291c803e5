package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/rmapi"
	"github.com/tonimelisma/rmcloud/internal/tokenfile"
)

// connectURL is where users obtain a one-time registration code.
const connectURL = "https://my.remarkable.com/device/desktop/connect"

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device with a one-time code",
		Long: `Register this device with the reMarkable Cloud.

Get a one-time code from ` + connectURL + ` and pass it with --code.
The device token and the first user token are saved to the token file.`,
		Args: cobra.NoArgs,
		RunE: runRegister,
	}

	cmd.Flags().String("code", "", "one-time registration code")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Obtain a new user token now",
		Args:  cobra.NoArgs,
		RunE:  runRefresh,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token file",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

// registerOutput is the JSON schema for `register --json`.
type registerOutput struct {
	DeviceID   string    `json:"device_id"`
	DeviceDesc string    `json:"device_desc"`
	TokenFile  string    `json:"token_file"`
	Expiry     time.Time `json:"expiry"`
}

func runRegister(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	code, err := cmd.Flags().GetString("code")
	if err != nil {
		return err
	}

	tokenPath := cc.Cfg.Auth.TokenFile
	client := newAPIClient(cc.Cfg, newHTTPClient(cc.Cfg), cc.Logger)

	cc.Logger.Info("register started", slog.String("token_file", tokenPath))

	session, err := rmapi.Login(ctx, client, tokenPath, code, cc.Logger)
	if err != nil {
		if errors.Is(err, rmapi.ErrBadRequest) {
			return fmt.Errorf("registration code rejected (codes are single-use; get a new one at %s): %w", connectURL, err)
		}

		return err
	}

	if cc.Cfg.Storage.Discover {
		host, discErr := client.DiscoverStorage(ctx)
		if discErr != nil {
			return fmt.Errorf("discovering storage host: %w", discErr)
		}

		if err := tokenfile.SetStorageHost(tokenPath, host); err != nil {
			return err
		}
	}

	tf := session.File()

	if cc.Flags.JSON {
		return printJSON(cc.Out, registerOutput{
			DeviceID:   tf.Device.ID,
			DeviceDesc: tf.Device.Desc,
			TokenFile:  tokenPath,
			Expiry:     tf.Token.Expiry,
		})
	}

	cc.Statusf("Device registered (%s). Token saved to %s\n", tf.Device.Desc, tokenPath)

	return nil
}

// refreshOutput is the JSON schema for `refresh --json`.
type refreshOutput struct {
	Expiry time.Time `json:"expiry"`
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	tok, err := s.Tokens.ForceRefresh(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, refreshOutput{Expiry: tok.Expiry})
	}

	cc.Statusf("Token refreshed, expires %s\n", tok.Expiry.Local().Format(time.RFC1123))

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := rmapi.Logout(cc.Cfg.Auth.TokenFile, cc.Logger); err != nil {
		return err
	}

	cc.Statusf("Logged out.\n")

	return nil
}
