package rmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Document storage API paths (version 2 of the JSON storage service).
const (
	docsPath         = "/document-storage/json/2/docs"
	deletePath       = "/document-storage/json/2/delete"
	uploadReqPath    = "/document-storage/json/2/upload/request"
	updateStatusPath = "/document-storage/json/2/upload/update-status"
)

// ListDocuments returns every document and folder on the account. When
// withBlob is set, each entry carries a pre-signed download URL.
func (c *Client) ListDocuments(ctx context.Context, withBlob bool) ([]Document, error) {
	c.logger.Debug("listing documents", slog.Bool("with_blob", withBlob))

	q := url.Values{}
	if withBlob {
		q.Set("withBlob", "true")
	}

	raw, err := c.getDocs(ctx, q)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(raw))
	for i := range raw {
		docs = append(docs, raw[i].toDocument())
	}

	c.logger.Debug("documents listed", slog.Int("count", len(docs)))

	return docs, nil
}

// GetDocument returns a single document by ID.
func (c *Client) GetDocument(ctx context.Context, id string, withBlob bool) (*Document, error) {
	q := url.Values{}
	q.Set("doc", id)

	if withBlob {
		q.Set("withBlob", "true")
	}

	raw, err := c.getDocs(ctx, q)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("rmapi: document %s: %w", id, ErrNotFound)
	}

	if !raw[0].Success {
		return nil, &RejectedError{ID: id, Message: raw[0].Message}
	}

	doc := raw[0].toDocument()

	return &doc, nil
}

func (c *Client) getDocs(ctx context.Context, q url.Values) ([]rawDocument, error) {
	u := c.endpoints.Storage + docsPath
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		url:    u,
		accept: "application/json",
		auth:   authUser,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []rawDocument
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("rmapi: decoding document list: %w", err)
	}

	return raw, nil
}

// DeleteDocuments removes documents. Each ref must carry the current
// version; a stale version is rejected by the service.
func (c *Client) DeleteDocuments(ctx context.Context, refs []DocumentRef) error {
	c.logger.Info("deleting documents", slog.Int("count", len(refs)))

	slots, err := c.putSlots(ctx, deletePath, refs)
	if err != nil {
		return err
	}

	return checkSlots(slots)
}

// UpdateStatus writes document metadata. It completes an upload started
// with UploadRequest and is also used to rename or move documents.
func (c *Client) UpdateStatus(ctx context.Context, updates []MetadataUpdate) error {
	c.logger.Debug("updating document metadata", slog.Int("count", len(updates)))

	slots, err := c.putSlots(ctx, updateStatusPath, updates)
	if err != nil {
		return err
	}

	return checkSlots(slots)
}

// putSlots PUTs a JSON array to a storage path and decodes the per-entry
// status array the service answers with.
func (c *Client) putSlots(ctx context.Context, path string, payload any) ([]rawSlot, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rmapi: marshaling %s request: %w", path, err)
	}

	resp, err := c.do(ctx, &request{
		method:      http.MethodPut,
		url:         c.endpoints.Storage + path,
		body:        bytes.NewReader(body),
		contentType: "application/json",
		accept:      "application/json",
		auth:        authUser,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var slots []rawSlot
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("rmapi: decoding %s response: %w", path, err)
	}

	return slots, nil
}

// checkSlots returns the first rejected entry as an error.
func checkSlots(slots []rawSlot) error {
	for i := range slots {
		if !slots[i].Success {
			return &RejectedError{ID: slots[i].ID, Message: slots[i].Message}
		}
	}

	return nil
}

// DownloadBlob streams a document archive from a pre-signed URL into w.
// The URL carries its own credentials, so no Authorization header is sent.
func (c *Client) DownloadBlob(ctx context.Context, blobURL string, w io.Writer) (int64, error) {
	if blobURL == "" {
		return 0, fmt.Errorf("rmapi: document has no download URL: %w", ErrNotFound)
	}

	resp, err := c.do(ctx, &request{
		method: http.MethodGet,
		url:    blobURL,
		auth:   authNone,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("rmapi: downloading blob: %w", err)
	}

	return n, nil
}
