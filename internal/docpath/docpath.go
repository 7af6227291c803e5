// Package docpath maps the flat document list of a reMarkable account onto
// slash-separated paths. The cloud only knows IDs and parent IDs; this
// package builds the folder tree so the CLI can address documents by path.
package docpath

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/rmcloud/internal/rmapi"
)

// maxDepth bounds parent-chain walks so malformed data with a parent cycle
// cannot loop forever.
const maxDepth = 256

var (
	// ErrNotFound is returned when no document matches a path or ID.
	ErrNotFound = errors.New("docpath: not found")

	// ErrNotFolder is returned when a path walks through a document.
	ErrNotFolder = errors.New("docpath: not a folder")

	// ErrTrashed is returned by PathOf for documents in the trash.
	ErrTrashed = errors.New("docpath: document is in the trash")

	// ErrAmbiguous is the sentinel behind AmbiguousError.
	ErrAmbiguous = errors.New("docpath: ambiguous path")
)

// AmbiguousError reports a path segment that matches several siblings.
// The cloud allows duplicate names; the CLI refuses to guess.
type AmbiguousError struct {
	Path  string
	Count int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("docpath: %q matches %d documents", e.Path, e.Count)
}

func (e *AmbiguousError) Unwrap() error {
	return ErrAmbiguous
}

// Root is the synthetic folder that stands for the top level.
var Root = rmapi.Document{ID: rmapi.RootParent, Type: rmapi.TypeCollection}

// Tree indexes a document list by ID and by parent.
type Tree struct {
	byID     map[string]*rmapi.Document
	children map[string][]*rmapi.Document
}

// New builds a Tree. docs is not modified; the Tree keeps its own copy.
func New(docs []rmapi.Document) *Tree {
	t := &Tree{
		byID:     make(map[string]*rmapi.Document, len(docs)),
		children: make(map[string][]*rmapi.Document),
	}

	for i := range docs {
		d := docs[i]
		t.byID[d.ID] = &d
		t.children[d.Parent] = append(t.children[d.Parent], &d)
	}

	for _, kids := range t.children {
		slices.SortFunc(kids, compareDocs)
	}

	return t
}

// compareDocs orders folders first, then by name, then by ID for stability.
func compareDocs(a, b *rmapi.Document) int {
	if a.IsFolder() != b.IsFolder() {
		if a.IsFolder() {
			return -1
		}

		return 1
	}

	if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
		return c
	}

	return strings.Compare(a.ID, b.ID)
}

// Children returns the documents directly under parentID, folders first.
// Use rmapi.RootParent for the top level and rmapi.TrashParent for the trash.
func (t *Tree) Children(parentID string) []rmapi.Document {
	kids := t.children[parentID]

	out := make([]rmapi.Document, 0, len(kids))
	for _, d := range kids {
		out = append(out, *d)
	}

	return out
}

// Resolve finds the document at p. "" and "/" resolve to Root. Each
// segment is compared to document names after NFC normalization.
func (t *Tree) Resolve(p string) (*rmapi.Document, error) {
	segments := Split(p)
	if len(segments) == 0 {
		root := Root
		return &root, nil
	}

	parent := rmapi.RootParent

	var cur *rmapi.Document

	for i, seg := range segments {
		if cur != nil && !cur.IsFolder() {
			return nil, fmt.Errorf("%w: %s", ErrNotFolder, Join(segments[:i]))
		}

		var matches []*rmapi.Document

		for _, d := range t.children[parent] {
			if norm.NFC.String(d.Name) == seg {
				matches = append(matches, d)
			}
		}

		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Join(segments[:i+1]))
		case 1:
			cur = matches[0]
			parent = cur.ID
		default:
			return nil, &AmbiguousError{Path: Join(segments[:i+1]), Count: len(matches)}
		}
	}

	return cur, nil
}

// ResolveFolder is Resolve restricted to folders.
func (t *Tree) ResolveFolder(p string) (*rmapi.Document, error) {
	d, err := t.Resolve(p)
	if err != nil {
		return nil, err
	}

	if !d.IsFolder() {
		return nil, fmt.Errorf("%w: %s", ErrNotFolder, Clean(p))
	}

	return d, nil
}

// PathOf returns the absolute path of the document with the given ID.
func (t *Tree) PathOf(id string) (string, error) {
	if id == rmapi.RootParent {
		return "/", nil
	}

	d, ok := t.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	segments := []string{norm.NFC.String(d.Name)}
	parent := d.Parent

	for depth := 0; parent != rmapi.RootParent; depth++ {
		if parent == rmapi.TrashParent {
			return "", fmt.Errorf("%w: %s", ErrTrashed, d.Name)
		}

		if depth >= maxDepth {
			return "", fmt.Errorf("docpath: parent chain of %s exceeds %d levels", id, maxDepth)
		}

		p, ok := t.byID[parent]
		if !ok {
			return "", fmt.Errorf("%w: parent %s of %s", ErrNotFound, parent, id)
		}

		segments = append(segments, norm.NFC.String(p.Name))
		parent = p.Parent
	}

	slices.Reverse(segments)

	return Join(segments), nil
}

// Split breaks p into NFC-normalized segments, dropping empty ones.
func Split(p string) []string {
	var out []string

	for _, s := range strings.Split(p, "/") {
		if s == "" || s == "." {
			continue
		}

		out = append(out, norm.NFC.String(s))
	}

	return out
}

// Join builds an absolute path from segments.
func Join(segments []string) string {
	return "/" + strings.Join(segments, "/")
}

// Clean normalizes p to absolute form.
func Clean(p string) string {
	return Join(Split(p))
}
