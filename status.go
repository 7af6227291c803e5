package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/tokenfile"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registration and token status",
		Long: `Show whether this device is registered and whether the saved user
token is still valid. Reads the token file only; makes no network requests.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	TokenFile   string     `json:"token_file"`
	State       string     `json:"state"`
	DeviceID    string     `json:"device_id,omitempty"`
	DeviceDesc  string     `json:"device_desc,omitempty"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	StorageHost string     `json:"storage_host,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	out, err := buildStatus(cc.Cfg.Auth.TokenFile, time.Now())
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	fmt.Fprintf(cc.Out, "Token file: %s\n", out.TokenFile)
	fmt.Fprintf(cc.Out, "State:      %s\n", out.State)

	if out.State == tokenStateMissing {
		fmt.Fprintln(cc.Out, "Run 'rmcloud register --code <code>' to register this device.")
		return nil
	}

	fmt.Fprintf(cc.Out, "Device:     %s (%s)\n", out.DeviceID, out.DeviceDesc)

	if out.Expiry != nil {
		fmt.Fprintf(cc.Out, "Expiry:     %s\n", out.Expiry.Local().Format(time.RFC1123))
	}

	if out.StorageHost != "" {
		fmt.Fprintf(cc.Out, "Storage:    %s\n", out.StorageHost)
	}

	return nil
}

// buildStatus reads the token file and classifies the user token. An
// expired user token is still usable: the next command refreshes it.
func buildStatus(tokenPath string, now time.Time) (statusOutput, error) {
	out := statusOutput{TokenFile: tokenPath, State: tokenStateMissing}

	tf, err := tokenfile.Load(tokenPath)
	if err != nil {
		return out, err
	}

	if tf == nil {
		return out, nil
	}

	out.DeviceID = tf.Device.ID
	out.DeviceDesc = tf.Device.Desc
	out.StorageHost = tf.StorageHost
	out.State = tokenStateValid

	if tf.Token != nil && !tf.Token.Expiry.IsZero() {
		expiry := tf.Token.Expiry
		out.Expiry = &expiry

		if !expiry.After(now) {
			out.State = tokenStateExpired
		}
	}

	return out, nil
}
