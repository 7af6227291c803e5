package rmapi

import "time"

// Document types as reported by the storage service.
const (
	TypeDocument   = "DocumentType"
	TypeCollection = "CollectionType"
)

// Parent IDs with special meaning.
const (
	RootParent  = ""
	TrashParent = "trash"
)

// Document is a document or folder in the cloud. Fields are normalized
// from the storage response; callers never see raw API data.
type Document struct {
	ID                string
	Version           int
	Name              string
	Type              string
	Parent            string
	CurrentPage       int
	Bookmarked        bool
	ModifiedClient    time.Time
	BlobURLGet        string // pre-signed, ephemeral; never log
	BlobURLGetExpires time.Time
}

// IsFolder reports whether the document is a collection.
func (d *Document) IsFolder() bool {
	return d.Type == TypeCollection
}

// IsTrashed reports whether the document sits in the trash.
func (d *Document) IsTrashed() bool {
	return d.Parent == TrashParent
}

// DocumentRef identifies one version of a document.
type DocumentRef struct {
	ID      string `json:"ID"`      //nolint:tagliatelle // service field casing
	Version int    `json:"Version"` //nolint:tagliatelle // service field casing
}

// UploadRequestItem asks the storage service for a blob upload slot.
type UploadRequestItem struct {
	ID      string `json:"ID"`      //nolint:tagliatelle // service field casing
	Type    string `json:"Type"`    //nolint:tagliatelle // service field casing
	Version int    `json:"Version"` //nolint:tagliatelle // service field casing
}

// UploadSlot is a granted upload: a pre-signed URL the archive is PUT to.
type UploadSlot struct {
	ID         string
	Version    int
	BlobURLPut string // pre-signed, ephemeral; never log
	Expires    time.Time
}

// MetadataUpdate sets the metadata of a document after its blob is stored.
type MetadataUpdate struct {
	ID             string `json:"ID"`             //nolint:tagliatelle // service field casing
	Parent         string `json:"Parent"`         //nolint:tagliatelle // service field casing
	VissibleName   string `json:"VissibleName"`   //nolint:tagliatelle,misspell // service spelling
	Type           string `json:"Type"`           //nolint:tagliatelle // service field casing
	Version        int    `json:"Version"`        //nolint:tagliatelle // service field casing
	ModifiedClient string `json:"ModifiedClient"` //nolint:tagliatelle // service field casing
	Bookmarked     bool   `json:"Bookmarked"`     //nolint:tagliatelle // service field casing
	CurrentPage    int    `json:"CurrentPage"`    //nolint:tagliatelle // service field casing
}

// UploadedDocument is the result of a direct file upload.
type UploadedDocument struct {
	ID   string `json:"docID"`
	Hash string `json:"hash"`
}

// rawDocument mirrors the storage service JSON exactly.
// Unexported: callers use Document via toDocument().
type rawDocument struct {
	ID                string `json:"ID"`                //nolint:tagliatelle // service field casing
	Version           int    `json:"Version"`           //nolint:tagliatelle // service field casing
	Message           string `json:"Message"`           //nolint:tagliatelle // service field casing
	Success           bool   `json:"Success"`           //nolint:tagliatelle // service field casing
	BlobURLGet        string `json:"BlobURLGet"`        //nolint:tagliatelle // service field casing
	BlobURLGetExpires string `json:"BlobURLGetExpires"` //nolint:tagliatelle // service field casing
	ModifiedClient    string `json:"ModifiedClient"`    //nolint:tagliatelle // service field casing
	Type              string `json:"Type"`              //nolint:tagliatelle // service field casing
	VissibleName      string `json:"VissibleName"`      //nolint:tagliatelle,misspell // service spelling
	CurrentPage       int    `json:"CurrentPage"`       //nolint:tagliatelle // service field casing
	Bookmarked        bool   `json:"Bookmarked"`        //nolint:tagliatelle // service field casing
	Parent            string `json:"Parent"`            //nolint:tagliatelle // service field casing
}

// rawSlot mirrors the upload/request and update-status response entries.
type rawSlot struct {
	ID                string `json:"ID"`                //nolint:tagliatelle // service field casing
	Version           int    `json:"Version"`           //nolint:tagliatelle // service field casing
	Message           string `json:"Message"`           //nolint:tagliatelle // service field casing
	Success           bool   `json:"Success"`           //nolint:tagliatelle // service field casing
	BlobURLPut        string `json:"BlobURLPut"`        //nolint:tagliatelle // service field casing
	BlobURLPutExpires string `json:"BlobURLPutExpires"` //nolint:tagliatelle // service field casing
}

func (r *rawDocument) toDocument() Document {
	return Document{
		ID:                r.ID,
		Version:           r.Version,
		Name:              r.VissibleName,
		Type:              r.Type,
		Parent:            r.Parent,
		CurrentPage:       r.CurrentPage,
		Bookmarked:        r.Bookmarked,
		ModifiedClient:    parseTime(r.ModifiedClient),
		BlobURLGet:        r.BlobURLGet,
		BlobURLGetExpires: parseTime(r.BlobURLGetExpires),
	}
}

// parseTime parses the RFC 3339 timestamps the service emits. Empty or
// malformed values become the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
