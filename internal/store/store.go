// Package store defines the document records shared by every backend and
// the operations the rest of the server performs against them.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a record was not located.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate indicates a record with the same key already exists.
	ErrDuplicate = errors.New("store: duplicate key")
)

type Team struct {
	ProjectName string    `json:"projectName" bson:"projectName"`
	Members     []string  `json:"members" bson:"members"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// HasMember reports whether usn belongs to the team
func (t *Team) HasMember(usn string) bool {
	for _, m := range t.Members {
		if m == usn {
			return true
		}
	}
	return false
}

// Message is a chat entry. JSON names follow the browser client.
type Message struct {
	ID          string    `json:"_id"`
	ProjectName string    `json:"projectName"`
	Sender      string    `json:"sender"`
	Filename    string    `json:"filename"`
	Code        string    `json:"code"`
	FileURL     string    `json:"file_url,omitempty"`
	FileType    string    `json:"file_type,omitempty"`
	UploadID    string    `json:"file_db_id,omitempty"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

type SourceFile struct {
	Filename string `json:"filename" bson:"filename"`
	Code     string `json:"code" bson:"code"`
}

// FileSet is the ordered list of source files for one (project, language) pair
type FileSet struct {
	ProjectName string       `json:"projectName"`
	Language    string       `json:"language"`
	Files       []SourceFile `json:"files"`
}

// Find returns the index of the named file, or -1
func (fs *FileSet) Find(filename string) int {
	for i, f := range fs.Files {
		if f.Filename == filename {
			return i
		}
	}
	return -1
}

// Upload is an immutable binary blob attached to a chat message
type Upload struct {
	ID           string    `json:"id"`
	ProjectName  string    `json:"projectName"`
	Sender       string    `json:"sender"`
	OriginalName string    `json:"original_name"`
	StoredName   string    `json:"stored_name"`
	Content      []byte    `json:"-"`
	MimeType     string    `json:"mimetype"`
	Size         int64     `json:"filesize"`
	CreatedAt    time.Time `json:"created_at"`
}

// Packages holds a project's advisory package bookkeeping
type Packages struct {
	ProjectName string              `json:"projectName"`
	Allowed     map[string][]string `json:"allowed"`
	Installed   map[string][]string `json:"installed"`
}

type Teams interface {
	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, projectName string) (*Team, error)
	FindTeamMember(ctx context.Context, projectName, usn string) (*Team, error)
}

type Messages interface {
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, projectName string) ([]Message, error)
	SoftDeleteMessage(ctx context.Context, id, tombstone, filename string) error
}

type FileSets interface {
	GetFileSet(ctx context.Context, projectName, language string) (*FileSet, error)
	InsertFileSet(ctx context.Context, set *FileSet) error
	SaveFiles(ctx context.Context, projectName, language string, files []SourceFile) error
	// SetFileCode replaces the code of the named file and reports whether
	// a file matched. A missing file is not an error.
	SetFileCode(ctx context.Context, projectName, language, filename, code string) (bool, error)
}

type Uploads interface {
	InsertUpload(ctx context.Context, upload *Upload) error
	GetUpload(ctx context.Context, id string) (*Upload, error)
}

type PackageBook interface {
	EnsurePackages(ctx context.Context, projectName string, allowed map[string][]string) error
	AddInstalledPackage(ctx context.Context, projectName, language, pkg string) error
	GetPackages(ctx context.Context, projectName string) (*Packages, error)
}

// Store is the full document store used by the server
type Store interface {
	Teams
	Messages
	FileSets
	Uploads
	PackageBook
	Stats(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}
