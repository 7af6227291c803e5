package main

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/rmcloud/internal/docpath"
	"github.com/tonimelisma/rmcloud/internal/index"
	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

// timestampFormat is used for machine-readable timestamps in JSON output.
const timestampFormat = "2006-01-02T15:04:05Z"

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List documents and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}

	cmd.Flags().Bool("cached", false, "list from the local index instead of the cloud")
	cmd.Flags().Bool("trash", false, "list the trash")

	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a document archive",
		Long: `Download the raw archive of a document. The default local name is the
document name with a .zip extension.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file>...",
		Short: "Upload PDF and EPUB files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPut,
	}

	cmd.Flags().String("parent", "/", "destination folder")

	return cmd
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a document or folder",
		Long: `Delete a document or folder from the cloud. Deletion is permanent.

Deleting a folder that is not empty requires --recursive (-r), which also
deletes everything inside it.`,
		Args: cobra.ExactArgs(1),
		RunE: runRm,
	}

	cmd.Flags().BoolP("recursive", "r", false, "delete folder contents too")

	return cmd
}

// lsJSONItem is the JSON output schema for a single entry in ls output.
type lsJSONItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Version     int    `json:"version"`
	Parent      string `json:"parent"`
	Bookmarked  bool   `json:"bookmarked"`
	CurrentPage int    `json:"current_page"`
	ModifiedAt  string `json:"modified_at,omitempty"`
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	cached, err := cmd.Flags().GetBool("cached")
	if err != nil {
		return err
	}

	trash, err := cmd.Flags().GetBool("trash")
	if err != nil {
		return err
	}

	cc.Logger.Debug("ls", slog.String("path", remotePath), slog.Bool("cached", cached))

	var tree *docpath.Tree

	if cached {
		tree, err = cachedTree(ctx, cc)
	} else {
		var s *CloudSession

		s, err = NewCloudSession(ctx, cc)
		if err == nil {
			tree, err = s.Tree(ctx)
		}
	}

	if err != nil {
		return err
	}

	docs, err := listPath(tree, remotePath, trash)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printDocsJSON(cc.Out, docs)
	}

	printDocsTable(cc.Out, docs, time.Now())

	return nil
}

// listPath returns the children of a folder, the document itself for a
// document path, or the trash contents.
func listPath(tree *docpath.Tree, remotePath string, trash bool) ([]rmapi.Document, error) {
	if trash {
		return tree.Children(rmapi.TrashParent), nil
	}

	d, err := tree.Resolve(remotePath)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if !d.IsFolder() {
		return []rmapi.Document{*d}, nil
	}

	return tree.Children(d.ID), nil
}

// cachedTree builds a Tree from the local index.
func cachedTree(ctx context.Context, cc *CLIContext) (*docpath.Tree, error) {
	ix, err := index.Open(ctx, cc.Cfg.Index.Path, cc.Logger)
	if err != nil {
		return nil, err
	}
	defer ix.Close()

	docs, err := ix.Documents(ctx)
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		if _, err := ix.Root(ctx); errors.Is(err, index.ErrEmpty) {
			return nil, errors.New("local index is empty; run 'rmcloud sync' first")
		}
	}

	return docpath.New(docs), nil
}

func printDocsJSON(w io.Writer, docs []rmapi.Document) error {
	out := make([]lsJSONItem, 0, len(docs))

	for i := range docs {
		item := lsJSONItem{
			ID:          docs[i].ID,
			Name:        docs[i].Name,
			Type:        docs[i].Type,
			Version:     docs[i].Version,
			Parent:      docs[i].Parent,
			Bookmarked:  docs[i].Bookmarked,
			CurrentPage: docs[i].CurrentPage,
		}

		if !docs[i].ModifiedClient.IsZero() {
			item.ModifiedAt = docs[i].ModifiedClient.UTC().Format(timestampFormat)
		}

		out = append(out, item)
	}

	return printJSON(w, out)
}

func printDocsTable(w io.Writer, docs []rmapi.Document, now time.Time) {
	headers := []string{"NAME", "MODIFIED", "ID"}
	rows := make([][]string, 0, len(docs))

	for i := range docs {
		name := docs[i].Name
		if docs[i].IsFolder() {
			name += "/"
		}

		rows = append(rows, []string{name, formatTime(docs[i].ModifiedClient, now), docs[i].ID})
	}

	printTable(w, headers, rows)
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	remotePath := args[0]

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	tree, err := s.Tree(ctx)
	if err != nil {
		return err
	}

	d, err := tree.Resolve(remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	if d.IsFolder() {
		return fmt.Errorf("%q is a folder, not a document", remotePath)
	}

	localPath := d.Name + ".zip"
	if len(args) > 1 {
		localPath = args[1]
		if fi, statErr := os.Stat(localPath); statErr == nil && fi.IsDir() {
			localPath = filepath.Join(localPath, d.Name+".zip")
		}
	}

	cc.Logger.Debug("get", slog.String("remote_path", remotePath), slog.String("local_path", localPath))

	// The list response omits blob URLs; ask for this document's URL.
	doc, err := s.Client.GetDocument(ctx, d.ID, true)
	if err != nil {
		return fmt.Errorf("fetching %q: %w", remotePath, err)
	}

	n, err := downloadAtomic(ctx, s.Transfer, doc.BlobURLGet, localPath)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", remotePath, err)
	}

	cc.Logger.Debug("download complete", slog.String("local_path", localPath), slog.Int64("bytes", n))
	cc.Statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

	return nil
}

// downloadAtomic downloads into a .partial file and renames it into place,
// so an interrupted download never leaves a truncated archive at localPath.
func downloadAtomic(ctx context.Context, client *rmapi.Client, blobURL, localPath string) (int64, error) {
	partialPath := localPath + ".partial"

	f, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating partial file: %w", err)
	}

	n, err := client.DownloadBlob(ctx, blobURL, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(partialPath)
		return 0, err
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		os.Remove(partialPath)
		return 0, fmt.Errorf("renaming download to %q: %w", localPath, err)
	}

	return n, nil
}

// putFile is one validated local file queued for upload.
type putFile struct {
	path        string
	name        string
	contentType string
	size        int64
}

// putResult is the JSON output schema for one uploaded file.
type putResult struct {
	File  string `json:"file"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	parentPath, err := cmd.Flags().GetString("parent")
	if err != nil {
		return err
	}

	files, err := preparePut(args, cc.Cfg.MaxFileSize())
	if err != nil {
		return err
	}

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	parentID := rmapi.RootParent

	if docpath.Clean(parentPath) != "/" {
		tree, treeErr := s.Tree(ctx)
		if treeErr != nil {
			return treeErr
		}

		folder, resolveErr := tree.ResolveFolder(parentPath)
		if resolveErr != nil {
			return fmt.Errorf("resolving parent %q: %w", parentPath, resolveErr)
		}

		parentID = folder.ID
	}

	var total int64
	for i := range files {
		total += files[i].size
	}

	bar := newProgressBar(cc, total, "uploading")

	results, err := uploadFiles(ctx, s.Transfer, files, parentID, cc.Cfg.Upload.Parallel, bar)

	if bar != nil {
		_ = bar.Finish()
	}

	if cc.Flags.JSON {
		if jsonErr := printJSON(cc.Out, results); jsonErr != nil {
			return jsonErr
		}

		return err
	}

	for i := range results {
		if results[i].Error == "" {
			cc.Statusf("Uploaded %s (%s)\n", results[i].File, formatSize(files[i].size))
		}
	}

	return err
}

// preparePut validates every file before anything is uploaded.
func preparePut(paths []string, maxSize int64) ([]putFile, error) {
	files := make([]putFile, 0, len(paths))

	var errs []error

	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("stating %q: %w", p, err))
			continue
		}

		if fi.IsDir() {
			errs = append(errs, fmt.Errorf("%q is a directory, not a file", p))
			continue
		}

		ct, err := rmapi.ContentTypeFor(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if maxSize > 0 && fi.Size() > maxSize {
			errs = append(errs, fmt.Errorf("%q is %s, larger than max_file_size %s",
				p, formatSize(fi.Size()), formatSize(maxSize)))

			continue
		}

		files = append(files, putFile{path: p, name: filepath.Base(p), contentType: ct, size: fi.Size()})
	}

	return files, errors.Join(errs...)
}

// uploadFiles uploads files with at most parallel requests in flight.
// A failed file does not stop the others; all failures are joined.
func uploadFiles(
	ctx context.Context, client *rmapi.Client, files []putFile, parentID string,
	parallel int, bar *progressbar.ProgressBar,
) ([]putResult, error) {
	results := make([]putResult, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))

	for i := range files {
		g.Go(func() error {
			results[i].File = files[i].path

			doc, err := uploadOne(ctx, client, &files[i], parentID, bar)
			if err != nil {
				results[i].Error = err.Error()
				errs[i] = fmt.Errorf("uploading %q: %w", files[i].path, err)

				return nil
			}

			results[i].ID = doc.ID

			return nil
		})
	}

	_ = g.Wait()

	return results, errors.Join(errs...)
}

func uploadOne(
	ctx context.Context, client *rmapi.Client, pf *putFile, parentID string, bar *progressbar.ProgressBar,
) (*rmapi.UploadedDocument, error) {
	f, err := os.Open(pf.path)
	if err != nil {
		return nil, fmt.Errorf("opening local file: %w", err)
	}
	defer f.Close()

	var body io.Reader = f
	if bar != nil {
		body = io.TeeReader(f, bar)
	}

	return client.UploadFile(ctx, pf.name, parentID, pf.contentType, body, pf.size)
}

// newProgressBar returns a byte progress bar on an interactive stderr, or
// nil when output is quiet, JSON, or redirected.
func newProgressBar(cc *CLIContext, total int64, desc string) *progressbar.ProgressBar {
	if cc.Flags.Quiet || cc.Flags.JSON {
		return nil
	}

	f, ok := cc.Err.(*os.File)
	if !ok || !isTerminal(f) {
		return nil
	}

	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(f, "\n")
		}),
		progressbar.OptionSetWriter(f),
	)
}

// mkdirJSONOutput is the JSON output schema for the mkdir command.
type mkdirJSONOutput struct {
	Created string `json:"created"`
	ID      string `json:"id"`
}

func runMkdir(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	segments := docpath.Split(args[0])
	if len(segments) == 0 {
		return errors.New("cannot create root folder")
	}

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	tree, err := s.Tree(ctx)
	if err != nil {
		return err
	}

	cc.Logger.Debug("mkdir", slog.String("path", docpath.Join(segments)))

	// Walk path segments, creating each missing folder. Once one folder is
	// created, everything below it is new too.
	parentID := rmapi.RootParent
	creating := false

	for i, seg := range segments {
		if !creating {
			existing, resolveErr := tree.Resolve(docpath.Join(segments[:i+1]))

			switch {
			case resolveErr == nil && existing.IsFolder():
				parentID = existing.ID
				continue
			case resolveErr == nil:
				return fmt.Errorf("%q: %w", docpath.Join(segments[:i+1]), docpath.ErrNotFolder)
			case !errors.Is(resolveErr, docpath.ErrNotFound):
				return resolveErr
			}

			creating = true
		}

		id, createErr := createFolder(ctx, s, parentID, seg, time.Now())
		if createErr != nil {
			return fmt.Errorf("creating folder %q: %w", seg, createErr)
		}

		parentID = id
	}

	created := docpath.Join(segments)
	cc.Logger.Debug("mkdir complete", slog.String("path", created), slog.String("folder_id", parentID))

	if cc.Flags.JSON {
		return printJSON(cc.Out, mkdirJSONOutput{Created: created, ID: parentID})
	}

	cc.Statusf("Created %s\n", created)

	return nil
}

// createFolder creates one collection: reserve a slot, upload an empty
// archive, then set the name and parent.
func createFolder(ctx context.Context, s *CloudSession, parentID, name string, now time.Time) (string, error) {
	id := uuid.NewString()

	slots, err := s.Client.UploadRequest(ctx, []rmapi.UploadRequestItem{
		{ID: id, Type: rmapi.TypeCollection, Version: 1},
	})
	if err != nil {
		return "", err
	}

	if len(slots) != 1 {
		return "", fmt.Errorf("expected 1 upload slot, got %d", len(slots))
	}

	archive, err := collectionArchive(id)
	if err != nil {
		return "", err
	}

	if err := s.Transfer.UploadBlob(ctx, &slots[0], bytes.NewReader(archive), int64(len(archive))); err != nil {
		return "", err
	}

	err = s.Client.UpdateStatus(ctx, []rmapi.MetadataUpdate{{
		ID:             id,
		Parent:         parentID,
		VissibleName:   name,
		Type:           rmapi.TypeCollection,
		Version:        1,
		ModifiedClient: now.UTC().Format(time.RFC3339Nano),
	}})
	if err != nil {
		return "", err
	}

	return id, nil
}

// collectionArchive builds the archive for an empty folder: a zip holding
// only an empty "<id>.content" object.
func collectionArchive(id string) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	w, err := zw.Create(id + ".content")
	if err != nil {
		return nil, fmt.Errorf("creating folder archive: %w", err)
	}

	if _, err := io.WriteString(w, "{}"); err != nil {
		return nil, fmt.Errorf("writing folder archive: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing folder archive: %w", err)
	}

	return buf.Bytes(), nil
}

// rmJSONOutput is the JSON output schema for the rm command.
type rmJSONOutput struct {
	Deleted string `json:"deleted"`
	Count   int    `json:"count"`
}

func runRm(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	remotePath := args[0]

	if docpath.Clean(remotePath) == "/" {
		return errors.New("cannot delete the root folder")
	}

	recursive, err := cmd.Flags().GetBool("recursive")
	if err != nil {
		return err
	}

	s, err := NewCloudSession(ctx, cc)
	if err != nil {
		return err
	}

	tree, err := s.Tree(ctx)
	if err != nil {
		return err
	}

	d, err := tree.Resolve(remotePath)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", remotePath, err)
	}

	refs := deleteRefs(tree, d)
	if len(refs) > 1 && !recursive {
		return fmt.Errorf("folder %q is not empty; use --recursive (-r) to delete its contents", remotePath)
	}

	cc.Logger.Debug("rm", slog.String("path", remotePath), slog.Int("count", len(refs)))

	if err := s.Client.DeleteDocuments(ctx, refs); err != nil {
		return fmt.Errorf("deleting %q: %w", remotePath, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, rmJSONOutput{Deleted: docpath.Clean(remotePath), Count: len(refs)})
	}

	cc.Statusf("Deleted %s\n", docpath.Clean(remotePath))

	return nil
}

// deleteRefs lists d and everything below it, children before parents.
func deleteRefs(tree *docpath.Tree, d *rmapi.Document) []rmapi.DocumentRef {
	var refs []rmapi.DocumentRef

	var walk func(doc *rmapi.Document)
	walk = func(doc *rmapi.Document) {
		if doc.IsFolder() {
			for _, child := range tree.Children(doc.ID) {
				walk(&child)
			}
		}

		refs = append(refs, rmapi.DocumentRef{ID: doc.ID, Version: doc.Version})
	}

	walk(d)

	return refs
}
