package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/rmcloud/internal/config"
	"github.com/tonimelisma/rmcloud/internal/docpath"
	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

// errNotRegistered is returned by commands that need a token when the
// device has not been registered yet.
var errNotRegistered = fmt.Errorf("%w: run 'rmcloud register --code <code>' first", rmapi.ErrNotLoggedIn)

// CloudSession holds authenticated clients for the registered device.
type CloudSession struct {
	Client   *rmapi.Client  // metadata ops (configured timeout)
	Transfer *rmapi.Client  // file uploads and blob transfers (no timeout)
	Tokens   *rmapi.Session // refreshes and persists the user token
}

// newAPIClient builds an unauthenticated client from the resolved config.
func newAPIClient(cfg *config.Resolved, httpClient *http.Client, logger *slog.Logger) *rmapi.Client {
	client := rmapi.NewClient(rmapi.Endpoints{
		Auth:      cfg.Storage.AuthURL,
		Storage:   cfg.Storage.StorageURL,
		Discovery: cfg.Storage.DiscoveryURL,
	}, httpClient, nil, logger, cfg.Network.UserAgent)

	client.SetDeviceDesc(cfg.Auth.DeviceDesc)

	return client
}

// NewCloudSession loads the saved token and returns clients bound to it.
// The storage host comes from the token file when one was saved by
// "discover --save", from discovery when enabled, and from config otherwise.
func NewCloudSession(ctx context.Context, cc *CLIContext) (*CloudSession, error) {
	client := newAPIClient(cc.Cfg, newHTTPClient(cc.Cfg), cc.Logger)

	tokens, err := rmapi.OpenSession(ctx, client, cc.Cfg.Auth.TokenFile, cc.Logger)
	if err != nil {
		if errors.Is(err, rmapi.ErrNotLoggedIn) {
			return nil, errNotRegistered
		}

		return nil, err
	}

	client.SetTokenSource(tokens)

	transfer := newAPIClient(cc.Cfg, newTransferHTTPClient(), cc.Logger)
	transfer.SetTokenSource(tokens)

	host := tokens.StorageHost()
	if host == "" && cc.Cfg.Storage.Discover {
		host, err = client.DiscoverStorage(ctx)
		if err != nil {
			return nil, fmt.Errorf("discovering storage host: %w", err)
		}
	}

	if host != "" {
		cc.Logger.Debug("using storage host", slog.String("host", host))
		client.SetStorageURL(host)
		transfer.SetStorageURL(host)
	}

	return &CloudSession{Client: client, Transfer: transfer, Tokens: tokens}, nil
}

// Tree fetches the document list and indexes it for path lookups.
func (s *CloudSession) Tree(ctx context.Context) (*docpath.Tree, error) {
	docs, err := s.Client.ListDocuments(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	return docpath.New(docs), nil
}
