package rmapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const uploadFilePath = "/doc/v2/files"

// metaHeader carries the base64 JSON metadata of a direct upload.
const metaHeader = "rm-meta"

// Content types accepted by the direct upload endpoint.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeEPUB = "application/epub+zip"
)

// ErrUnsupportedType is returned for files the cloud cannot import.
var ErrUnsupportedType = errors.New("rmapi: unsupported file type")

// ContentTypeFor maps a file name to an upload content type by extension.
func ContentTypeFor(name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return ContentTypePDF, nil
	case ".epub":
		return ContentTypeEPUB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, filepath.Base(name))
	}
}

// uploadMeta is encoded into the rm-meta header.
type uploadMeta struct {
	FileName string `json:"file_name"`
	Parent   string `json:"parent,omitempty"`
}

// UploadRequest reserves blob upload slots for new documents or new
// versions. Every returned slot carries a pre-signed PUT URL.
func (c *Client) UploadRequest(ctx context.Context, items []UploadRequestItem) ([]UploadSlot, error) {
	c.logger.Info("requesting upload slots", slog.Int("count", len(items)))

	raw, err := c.putSlots(ctx, uploadReqPath, items)
	if err != nil {
		return nil, err
	}

	if err := checkSlots(raw); err != nil {
		return nil, err
	}

	slots := make([]UploadSlot, 0, len(raw))
	for i := range raw {
		slots = append(slots, UploadSlot{
			ID:         raw[i].ID,
			Version:    raw[i].Version,
			BlobURLPut: raw[i].BlobURLPut,
			Expires:    parseTime(raw[i].BlobURLPutExpires),
		})
	}

	return slots, nil
}

// UploadBlob PUTs a document archive to the pre-signed URL of a slot.
// The URL is pre-authenticated, so no Authorization header is sent.
// A body that implements io.Seeker is retried on transient failures.
func (c *Client) UploadBlob(ctx context.Context, slot *UploadSlot, body io.Reader, size int64) error {
	if slot.BlobURLPut == "" {
		return fmt.Errorf("rmapi: upload slot %s has no URL", slot.ID)
	}

	c.logger.Debug("uploading blob",
		slog.String("id", slot.ID),
		slog.Int64("size", size),
	)

	resp, err := c.do(ctx, &request{
		method: http.MethodPut,
		url:    slot.BlobURLPut,
		body:   body,
		auth:   authNone,
		length: size,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("rmapi: draining blob upload response: %w", err)
	}

	return nil
}

// UploadFile uploads a PDF or EPUB in one request. The cloud converts it
// into a document named name under parentID ("" for the root).
func (c *Client) UploadFile(
	ctx context.Context, name, parentID, contentType string, body io.Reader, size int64,
) (*UploadedDocument, error) {
	name = norm.NFC.String(name)

	meta, err := json.Marshal(uploadMeta{FileName: name, Parent: parentID})
	if err != nil {
		return nil, fmt.Errorf("rmapi: marshaling upload metadata: %w", err)
	}

	c.logger.Info("uploading file",
		slog.String("name", name),
		slog.String("parent", parentID),
		slog.String("content_type", contentType),
		slog.Int64("size", size),
	)

	header := http.Header{}
	header.Set(metaHeader, base64.StdEncoding.EncodeToString(meta))

	resp, err := c.do(ctx, &request{
		method:      http.MethodPost,
		url:         c.endpoints.Storage + uploadFilePath,
		body:        body,
		contentType: contentType,
		accept:      "application/json",
		header:      header,
		auth:        authUser,
		length:      size,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc UploadedDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("rmapi: decoding upload response: %w", err)
	}

	c.logger.Info("file uploaded", slog.String("name", name), slog.String("id", doc.ID))

	return &doc, nil
}
