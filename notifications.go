package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rmcloud/internal/notify"
)

func newNotificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "Stream document change events",
		Long: `Subscribe to the account's change notifications and print one line per
event until interrupted. With --json each event is one JSON object per line.`,
		Args: cobra.NoArgs,
		RunE: runNotifications,
	}
}

// eventOutput is the JSON schema for one event in `notifications --json`.
type eventOutput struct {
	Event        string `json:"event"`
	ID           string `json:"id"`
	Parent       string `json:"parent"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Version      int    `json:"version"`
	Bookmarked   bool   `json:"bookmarked"`
	SourceDevice string `json:"source_device,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	PublishedAt  string `json:"published_at,omitempty"`
}

func runNotifications(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	sub := notify.New(s.Client.Endpoints().Auth, s.Tokens, newHTTPClient(cc.Cfg), cc.Logger)

	cc.Statusf("Listening for changes (Ctrl-C to stop)\n")

	enc := json.NewEncoder(cc.Out)

	return sub.Run(ctx, func(ev notify.Event) {
		cc.Logger.Debug("event", slog.String("type", ev.Type), slog.String("id", ev.ID))

		if cc.Flags.JSON {
			if err := enc.Encode(toEventOutput(ev)); err != nil {
				cc.Logger.Warn("writing event", slog.String("error", err.Error()))
			}

			return
		}

		printEvent(cc.Out, ev)
	})
}

func toEventOutput(ev notify.Event) eventOutput {
	out := eventOutput{
		Event:        ev.Type,
		ID:           ev.ID,
		Parent:       ev.Parent,
		Name:         ev.Name,
		Type:         ev.DocType,
		Version:      ev.Version,
		Bookmarked:   ev.Bookmarked,
		SourceDevice: ev.SourceDeviceDesc,
		MessageID:    ev.MessageID,
	}

	if !ev.PublishTime.IsZero() {
		out.PublishedAt = ev.PublishTime.UTC().Format(timestampFormat)
	}

	return out
}

// printEvent writes one event as "TIME  EVENT  NAME (ID)".
func printEvent(w io.Writer, ev notify.Event) {
	ts := "-"
	if !ev.PublishTime.IsZero() {
		ts = ev.PublishTime.Local().Format(time.DateTime)
	}

	name := ev.Name
	if name == "" {
		name = "?"
	}

	line := fmt.Sprintf("%s  %-10s  %s (%s)", ts, ev.Type, name, ev.ID)
	if ev.SourceDeviceDesc != "" {
		line += " from " + ev.SourceDeviceDesc
	}

	fmt.Fprintln(w, line)
}
