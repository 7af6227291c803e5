package rmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const syncRootPath = "/sync/v3/root"

// RootInfo is the account's sync root: the hash of the top-level index blob
// and a generation counter that increases on every change.
type RootInfo struct {
	Hash          string `json:"hash"`
	Generation    int64  `json:"generation"`
	SchemaVersion int    `json:"schemaVersion"`
}

// SyncRoot fetches the current sync root.
func (c *Client) SyncRoot(ctx context.Context) (*RootInfo, error) {
	c.logger.Debug("fetching sync root")

	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		url:    c.endpoints.Storage + syncRootPath,
		accept: "application/json",
		auth:   authUser,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var root RootInfo
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, fmt.Errorf("rmapi: decoding sync root: %w", err)
	}

	c.logger.Debug("sync root fetched",
		slog.Int64("generation", root.Generation),
		slog.Int("schema_version", root.SchemaVersion),
	)

	return &root, nil
}
