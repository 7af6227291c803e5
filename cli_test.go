package main

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/rmcloud/internal/config"
	"github.com/tonimelisma/rmcloud/internal/rmapi"
	"github.com/tonimelisma/rmcloud/internal/tokenfile"
)

// isolateHome points every default directory into a temp dir and clears
// the environment overrides.
func isolateHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvTokenFile, "")
	t.Setenv(config.EnvLogLevel, "")

	return home
}

// captureOutput redirects the command's stdout into the returned buffer.
func captureOutput(cmd *cobra.Command) *bytes.Buffer {
	var out bytes.Buffer

	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	return &out
}

// fakeDoc is one document served by fakeCloud.
type fakeDoc struct {
	ID      string `json:"ID"`
	Version int    `json:"Version"`
	Type    string `json:"Type"`
	Name    string `json:"VissibleName"`
	Parent  string `json:"Parent"`
	Success bool   `json:"Success"`
	BlobURL string `json:"BlobURLGet"`
	Updated string `json:"ModifiedClient"`
}

// fakeCloud serves the storage, auth and discovery endpoints from memory.
type fakeCloud struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	docs      []fakeDoc
	blobs     map[string][]byte
	deleted   []rmapi.DocumentRef
	updates   []rmapi.MetadataUpdate
	putBlobs  map[string][]byte
	uploads   []string // rm-meta headers of direct uploads
	nextDocID int

	// failUploads lists file names the direct upload endpoint rejects.
	failUploads map[string]bool
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()

	fc := &fakeCloud{
		t:        t,
		blobs:    map[string][]byte{"d1": []byte("dune-archive")},
		putBlobs: map[string][]byte{},
	}

	fc.docs = []fakeDoc{
		{ID: "f1", Version: 1, Type: rmapi.TypeCollection, Name: "Books", Success: true, Updated: "2024-03-01T10:00:00Z"},
		{ID: "d1", Version: 3, Type: rmapi.TypeDocument, Name: "Dune", Parent: "f1", Success: true, Updated: "2024-03-02T10:00:00Z"},
		{ID: "d2", Version: 1, Type: rmapi.TypeDocument, Name: "Old", Parent: rmapi.TrashParent, Success: true},
		{ID: "d3", Version: 1, Type: rmapi.TypeDocument, Name: "Notes", Success: true},
	}

	fc.srv = httptest.NewServer(http.HandlerFunc(fc.handle))
	t.Cleanup(fc.srv.Close)

	return fc
}

func (fc *fakeCloud) handle(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch {
	case r.URL.Path == "/token/json/2/device/new":
		_, _ = io.WriteString(w, "device-token")
	case r.URL.Path == "/token/json/2/user/new":
		_, _ = io.WriteString(w, "user-token-2")
	case r.URL.Path == "/service/json/1/document-storage":
		fc.writeJSON(w, map[string]string{"Status": "OK", "Host": fc.srv.URL})
	case r.URL.Path == "/sync/v3/root":
		fc.writeJSON(w, rmapi.RootInfo{Hash: "abc123", Generation: 42, SchemaVersion: 3})
	case r.URL.Path == "/document-storage/json/2/docs":
		fc.handleDocs(w, r)
	case r.URL.Path == "/document-storage/json/2/delete":
		var refs []rmapi.DocumentRef
		fc.decode(r, &refs)
		fc.deleted = append(fc.deleted, refs...)
		fc.writeSlots(w, len(refs), func(i int) string { return refs[i].ID })
	case r.URL.Path == "/document-storage/json/2/upload/request":
		var items []rmapi.UploadRequestItem
		fc.decode(r, &items)

		slots := make([]map[string]any, len(items))
		for i := range items {
			slots[i] = map[string]any{
				"ID": items[i].ID, "Version": items[i].Version, "Success": true,
				"BlobURLPut": fc.srv.URL + "/blob-put/" + items[i].ID,
			}
		}

		fc.writeJSON(w, slots)
	case strings.HasPrefix(r.URL.Path, "/blob-put/"):
		data, _ := io.ReadAll(r.Body)
		fc.putBlobs[strings.TrimPrefix(r.URL.Path, "/blob-put/")] = data
	case r.URL.Path == "/document-storage/json/2/upload/update-status":
		var updates []rmapi.MetadataUpdate
		fc.decode(r, &updates)
		fc.updates = append(fc.updates, updates...)

		for i := range updates {
			fc.docs = append(fc.docs, fakeDoc{
				ID: updates[i].ID, Version: updates[i].Version, Type: updates[i].Type,
				Name: updates[i].VissibleName, Parent: updates[i].Parent, Success: true,
			})
		}

		fc.writeSlots(w, len(updates), func(i int) string { return updates[i].ID })
	case strings.HasPrefix(r.URL.Path, "/blob/"):
		_, _ = w.Write(fc.blobs[strings.TrimPrefix(r.URL.Path, "/blob/")])
	case r.URL.Path == "/doc/v2/files":
		assert.Equal(fc.t, "Bearer user-token", r.Header.Get("Authorization"))
		_, _ = io.Copy(io.Discard, r.Body)
		fc.uploads = append(fc.uploads, r.Header.Get("rm-meta"))

		if fc.failUploads[fc.uploadName(r)] {
			http.Error(w, "upload rejected", http.StatusInternalServerError)
			return
		}

		fc.nextDocID++
		fc.writeJSON(w, map[string]string{"docID": "new-" + string(rune('0'+fc.nextDocID)), "hash": "h"})
	default:
		http.NotFound(w, r)
	}
}

func (fc *fakeCloud) handleDocs(w http.ResponseWriter, r *http.Request) {
	assert.Equal(fc.t, "Bearer user-token", r.Header.Get("Authorization"))

	id := r.URL.Query().Get("doc")
	if id == "" {
		fc.writeJSON(w, fc.docs)
		return
	}

	for _, d := range fc.docs {
		if d.ID == id {
			if r.URL.Query().Get("withBlob") == "true" {
				d.BlobURL = fc.srv.URL + "/blob/" + d.ID
			}

			fc.writeJSON(w, []fakeDoc{d})

			return
		}
	}

	fc.writeJSON(w, []fakeDoc{})
}

// uploadName returns the file_name carried in a direct upload's rm-meta.
func (fc *fakeCloud) uploadName(r *http.Request) string {
	raw, err := base64.StdEncoding.DecodeString(r.Header.Get("rm-meta"))
	require.NoError(fc.t, err)

	var meta struct {
		FileName string `json:"file_name"`
	}
	require.NoError(fc.t, json.Unmarshal(raw, &meta))

	return meta.FileName
}

func (fc *fakeCloud) decode(r *http.Request, v any) {
	require.NoError(fc.t, json.NewDecoder(r.Body).Decode(v))
}

func (fc *fakeCloud) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(fc.t, json.NewEncoder(w).Encode(v))
}

func (fc *fakeCloud) writeSlots(w http.ResponseWriter, n int, id func(int) string) {
	slots := make([]map[string]any, n)
	for i := range slots {
		slots[i] = map[string]any{"ID": id(i), "Success": true}
	}

	fc.writeJSON(w, slots)
}

// cliEnv is an isolated config and token file pointing at a fakeCloud.
type cliEnv struct {
	cloud     *fakeCloud
	dir       string
	cfgPath   string
	tokenPath string
	indexPath string
}

func newCLIEnv(t *testing.T, registered bool) *cliEnv {
	t.Helper()

	isolateHome(t)

	env := &cliEnv{cloud: newFakeCloud(t), dir: t.TempDir()}
	env.cfgPath = filepath.Join(env.dir, "config.toml")
	env.tokenPath = filepath.Join(env.dir, "token.json")
	env.indexPath = filepath.Join(env.dir, "index.db")

	cfg := `[auth]
token_file = "` + env.tokenPath + `"

[storage]
auth_url = "` + env.cloud.srv.URL + `"
storage_url = "` + env.cloud.srv.URL + `"
discovery_url = "` + env.cloud.srv.URL + `"

[index]
path = "` + env.indexPath + `"

[logging]
log_format = "text"
`
	require.NoError(t, os.WriteFile(env.cfgPath, []byte(cfg), 0o600))

	if registered {
		require.NoError(t, tokenfile.Save(env.tokenPath, &tokenfile.File{
			Token: &oauth2.Token{
				AccessToken:  "user-token",
				RefreshToken: "device-token",
				Expiry:       time.Now().Add(time.Hour),
			},
			Device: tokenfile.Device{ID: "dev-1", Desc: rmapi.DefaultDeviceDesc},
		}))
	}

	return env
}

// appendConfig adds raw TOML to the end of the config file.
func (e *cliEnv) appendConfig(t *testing.T, toml string) {
	t.Helper()

	f, err := os.OpenFile(e.cfgPath, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)

	_, err = f.WriteString(toml)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// run executes the CLI with args and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	out := captureOutput(cmd)
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestCLI_NotRegistered(t *testing.T) {
	env := newCLIEnv(t, false)

	_, err := env.run(t, "ls")
	require.ErrorIs(t, err, rmapi.ErrNotLoggedIn)
	assert.Contains(t, err.Error(), "rmcloud register")
}

func TestCLI_Register(t *testing.T) {
	env := newCLIEnv(t, false)

	out, err := env.run(t, "--json", "register", "--code", "abcd1234")
	require.NoError(t, err)

	var got registerOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, rmapi.DefaultDeviceDesc, got.DeviceDesc)
	assert.NotEmpty(t, got.DeviceID)

	tf, err := tokenfile.Load(env.tokenPath)
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, "device-token", tf.DeviceToken())
	assert.Equal(t, "user-token-2", tf.Token.AccessToken)
}

func TestCLI_RegisterRequiresCode(t *testing.T) {
	env := newCLIEnv(t, false)

	_, err := env.run(t, "register")
	require.Error(t, err)
}

func TestCLI_Status(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "--json", "status")
	require.NoError(t, err)

	var got statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, tokenStateValid, got.State)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, env.tokenPath, got.TokenFile)
}

func TestCLI_Refresh(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "refresh")
	require.NoError(t, err)

	tf, err := tokenfile.Load(env.tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "user-token-2", tf.Token.AccessToken)
	assert.Equal(t, "device-token", tf.DeviceToken())
}

func TestCLI_Logout(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "logout")
	require.NoError(t, err)

	_, err = os.Stat(env.tokenPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCLI_LsRoot(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "ls")
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "Books/")
	assert.Contains(t, out, "Notes")
	assert.NotContains(t, out, "Dune")
	assert.NotContains(t, out, "Old")
}

func TestCLI_LsFolderJSON(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "--json", "ls", "/Books")
	require.NoError(t, err)

	var items []lsJSONItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "d1", items[0].ID)
	assert.Equal(t, "Dune", items[0].Name)
	assert.Equal(t, "2024-03-02T10:00:00Z", items[0].ModifiedAt)
}

func TestCLI_LsTrash(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "ls", "--trash")
	require.NoError(t, err)
	assert.Contains(t, out, "Old")
	assert.NotContains(t, out, "Books")
}

func TestCLI_LsMissing(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "ls", "/Nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/Nope")
}

func TestCLI_Get(t *testing.T) {
	env := newCLIEnv(t, true)
	dest := t.TempDir()

	_, err := env.run(t, "get", "/Books/Dune", dest)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "Dune.zip"))
	require.NoError(t, err)
	assert.Equal(t, "dune-archive", string(data))

	_, err = os.Stat(filepath.Join(dest, "Dune.zip.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestCLI_GetFolderFails(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "get", "/Books", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a folder")
}

func TestCLI_Put(t *testing.T) {
	env := newCLIEnv(t, true)

	pdf := filepath.Join(t.TempDir(), "paper.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4"), 0o600))

	out, err := env.run(t, "--json", "put", "--parent", "/Books", pdf)
	require.NoError(t, err)

	var results []putResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, pdf, results[0].File)
	assert.Equal(t, "new-1", results[0].ID)

	require.Len(t, env.cloud.uploads, 1)

	meta, err := base64.StdEncoding.DecodeString(env.cloud.uploads[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_name":"paper.pdf","parent":"f1"}`, string(meta))
}

func TestCLI_PutRejectsUnsupportedBeforeUpload(t *testing.T) {
	env := newCLIEnv(t, true)

	dir := t.TempDir()
	pdf := filepath.Join(dir, "ok.pdf")
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF"), 0o600))
	require.NoError(t, os.WriteFile(txt, []byte("hi"), 0o600))

	_, err := env.run(t, "put", pdf, txt)
	require.ErrorIs(t, err, rmapi.ErrUnsupportedType)
	assert.Empty(t, env.cloud.uploads)
}

func TestCLI_PutContinuesPastFailedUpload(t *testing.T) {
	env := newCLIEnv(t, true)
	env.cloud.failUploads = map[string]bool{"bad.pdf": true}

	dir := t.TempDir()
	good := filepath.Join(dir, "good.pdf")
	bad := filepath.Join(dir, "bad.pdf")
	require.NoError(t, os.WriteFile(good, []byte("%PDF-1.4"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("%PDF-1.4"), 0o600))

	out, err := env.run(t, "--json", "put", bad, good)
	require.Error(t, err)
	require.ErrorIs(t, err, rmapi.ErrServerError)
	assert.Contains(t, err.Error(), bad)
	assert.NotContains(t, err.Error(), good)

	var results []putResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)

	assert.Equal(t, bad, results[0].File)
	assert.Empty(t, results[0].ID)
	assert.NotEmpty(t, results[0].Error)

	assert.Equal(t, good, results[1].File)
	assert.Equal(t, "new-1", results[1].ID)
	assert.Empty(t, results[1].Error)

	assert.Len(t, env.cloud.uploads, 2)
}

func TestCLI_PutRejectsOversizedBeforeUpload(t *testing.T) {
	env := newCLIEnv(t, true)
	env.appendConfig(t, "\n[upload]\nmax_file_size = \"10\"\n")

	dir := t.TempDir()
	small := filepath.Join(dir, "small.pdf")
	large := filepath.Join(dir, "large.pdf")
	require.NoError(t, os.WriteFile(small, []byte("%PDF"), 0o600))
	require.NoError(t, os.WriteFile(large, []byte("%PDF-1.4 larger than ten bytes"), 0o600))

	_, err := env.run(t, "put", small, large)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_file_size")
	assert.Contains(t, err.Error(), large)
	assert.NotContains(t, err.Error(), small)
	assert.Empty(t, env.cloud.uploads)
}

func TestCLI_Mkdir(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "--json", "mkdir", "/Books/Sci-Fi/Classics")
	require.NoError(t, err)

	var got mkdirJSONOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "/Books/Sci-Fi/Classics", got.Created)

	require.Len(t, env.cloud.updates, 2)
	assert.Equal(t, "Sci-Fi", env.cloud.updates[0].VissibleName)
	assert.Equal(t, "f1", env.cloud.updates[0].Parent)
	assert.Equal(t, rmapi.TypeCollection, env.cloud.updates[0].Type)
	assert.Equal(t, "Classics", env.cloud.updates[1].VissibleName)
	assert.Equal(t, env.cloud.updates[0].ID, env.cloud.updates[1].Parent)
	assert.Equal(t, got.ID, env.cloud.updates[1].ID)

	// Each folder got an archive holding only its empty content file.
	blob := env.cloud.putBlobs[got.ID]
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, got.ID+".content", zr.File[0].Name)
}

func TestCLI_MkdirExistingIsNoop(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "mkdir", "/Books")
	require.NoError(t, err)
	assert.Empty(t, env.cloud.updates)
}

func TestCLI_MkdirThroughDocumentFails(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "mkdir", "/Notes/Sub")
	require.Error(t, err)
	assert.Empty(t, env.cloud.updates)
}

func TestCLI_RmFolderRequiresRecursive(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "rm", "/Books")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--recursive")
	assert.Empty(t, env.cloud.deleted)
}

func TestCLI_RmRecursive(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "rm", "-r", "/Books")
	require.NoError(t, err)

	assert.Equal(t, []rmapi.DocumentRef{
		{ID: "d1", Version: 3},
		{ID: "f1", Version: 1},
	}, env.cloud.deleted)
}

func TestCLI_RmDocument(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "rm", "/Notes")
	require.NoError(t, err)
	assert.Equal(t, []rmapi.DocumentRef{{ID: "d3", Version: 1}}, env.cloud.deleted)
}

func TestCLI_RmRootFails(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "rm", "-r", "/")
	require.Error(t, err)
}

func TestCLI_CachedLsBeforeSync(t *testing.T) {
	env := newCLIEnv(t, true)

	_, err := env.run(t, "ls", "--cached")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rmcloud sync")
}

func TestCLI_SyncThenCachedLs(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "--json", "sync")
	require.NoError(t, err)

	var got syncOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 4, got.Documents)
	assert.Equal(t, int64(42), got.Generation)
	assert.Equal(t, env.indexPath, got.Index)

	// The cached listing must not hit the network.
	env.cloud.srv.Close()

	out, err = env.run(t, "ls", "--cached", "/Books")
	require.NoError(t, err)
	assert.Contains(t, out, "Dune")
}

func TestCLI_RootInfo(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "root")
	require.NoError(t, err)
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "42")
}

func TestCLI_DiscoverSave(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "discover", "--save")
	require.NoError(t, err)
	assert.Equal(t, env.cloud.srv.URL+"\n", out)

	tf, err := tokenfile.Load(env.tokenPath)
	require.NoError(t, err)
	assert.Equal(t, env.cloud.srv.URL, tf.StorageHost)
}

func TestCLI_ConfigShow(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, env.tokenPath)
	assert.Contains(t, out, env.cloud.srv.URL)
}

func TestCLI_ConfigShowReflectsVerbose(t *testing.T) {
	env := newCLIEnv(t, true)

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `log_level  = "warn"`)

	out, err = env.run(t, "-v", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `log_level  = "debug"`)

	out, err = env.run(t, "--quiet", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `log_level  = "error"`)
}

func TestCLI_ConfigInit(t *testing.T) {
	isolateHome(t)

	path := filepath.Join(t.TempDir(), "new", "config.toml")

	cmd := newRootCmd()
	captureOutput(cmd)
	cmd.SetArgs([]string{"--config", path, "config", "init"})
	require.NoError(t, cmd.Execute())

	_, err := config.Load(path)
	require.NoError(t, err)

	// A second init refuses to overwrite.
	cmd = newRootCmd()
	captureOutput(cmd)
	cmd.SetArgs([]string{"--config", path, "config", "init"})
	require.ErrorIs(t, cmd.Execute(), config.ErrConfigExists)
}

func TestInitConfigPath(t *testing.T) {
	isolateHome(t)

	assert.Equal(t, "/a.toml", initConfigPath("/a.toml", config.EnvOverrides{ConfigPath: "/b.toml"}))
	assert.Equal(t, "/b.toml", initConfigPath("", config.EnvOverrides{ConfigPath: "/b.toml"}))
	assert.Equal(t, config.DefaultConfigPath(), initConfigPath("", config.EnvOverrides{}))
}
