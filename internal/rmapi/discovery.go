package rmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// discoveryPath is the service-manager lookup for the document-storage host.
const discoveryPath = "/service/json/1/document-storage"

// discoveryGroup is the fixed group parameter every client sends.
const discoveryGroup = "auth0|5a68dc51cb30df3877a1d7c4"

const discoveryStatusOK = "OK"

type discoveryResponse struct {
	Status string `json:"Status"` //nolint:tagliatelle // service field casing
	Host   string `json:"Host"`   //nolint:tagliatelle // service field casing
}

// DiscoverStorage asks the service manager which storage host backs the
// account. The returned URL always carries a scheme.
func (c *Client) DiscoverStorage(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("environment", "production")
	q.Set("group", discoveryGroup)
	q.Set("apiVer", "2")

	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		url:    c.endpoints.Discovery + discoveryPath + "?" + q.Encode(),
		accept: "application/json",
		auth:   authNone,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var dr discoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return "", fmt.Errorf("rmapi: decoding discovery response: %w", err)
	}

	if dr.Status != discoveryStatusOK || dr.Host == "" {
		return "", fmt.Errorf("%w: status %q, host %q", ErrDiscovery, dr.Status, dr.Host)
	}

	host := dr.Host
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	c.logger.Info("discovered storage host", slog.String("host", host))

	return strings.TrimRight(host, "/"), nil
}
