// Package catalog is the durable record of repositories, the files known for
// each of them, session links, stored credentials and the notification outbox.
package catalog

import (
	"context"
	"time"
)

// FileState is the lifecycle state of a File row.
type FileState string

const (
	// StateAdded: known to exist, possibly cached.
	StateAdded FileState = "ADDED"
	// StatePendingDelete: deletion requested, cache removal not yet confirmed.
	StatePendingDelete FileState = "PENDING_DELETE"
	// StateDeleted: terminal, the cache object is gone.
	StateDeleted FileState = "DELETED"
)

// Repository is a remote repository mirrored by the catalog.
type Repository struct {
	ID        int64
	URL       string
	Owner     string
	Name      string
	CreatedAt time.Time
}

// File is one (repository, path) row. An empty StorageKey means the file is
// known remotely but has not been cached yet.
type File struct {
	ID         int64
	RepoID     int64
	Path       string
	StorageKey string
	State      FileState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Cached reports whether the file has bytes in the object cache store.
func (f *File) Cached() bool {
	return f.StorageKey != ""
}

// Credential is the remote API token stored for a session.
type Credential struct {
	SessionID       string
	Token           string
	CreatedAt       time.Time
	LastValidatedAt *time.Time
}

// OutboxEvent is a side effect recorded in the same transaction as the change
// that triggers it, delivered after commit by a dispatcher.
type OutboxEvent struct {
	ID          int64
	EventID     string
	Kind        string
	Payload     []byte
	CreatedAt   time.Time
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
	FailedAt    *time.Time
}

// Catalog is the file catalog contract. Lookups of unknown rows return an
// error of kind errs.KindNotFound.
type Catalog interface {
	// Repositories and sessions.
	GetRepository(ctx context.Context, id int64) (*Repository, error)
	FindOrCreateRepository(ctx context.Context, url, owner, name string) (repo *Repository, created bool, err error)
	LinkSession(ctx context.Context, sessionID string, repoID int64) error
	ActiveRepository(ctx context.Context, sessionID string) (*Repository, error)

	// Files.
	GetFile(ctx context.Context, repoID int64, path string) (*File, error)
	GetFileByID(ctx context.Context, id int64) (*File, error)
	ListFiles(ctx context.Context, repoID int64) ([]*File, error)
	ListActivePaths(ctx context.Context, repoID int64, prefix string) ([]string, error)
	ListCachedFiles(ctx context.Context, repoID int64) ([]*File, error)
	ListPendingDeletes(ctx context.Context, limit int) ([]*File, error)

	// UpsertRemoteFile records a path seen in the remote tree: a new row has
	// no storage key, an existing row is reset to ADDED. A DELETED row loses
	// its stale storage key.
	UpsertRemoteFile(ctx context.Context, repoID int64, path string) (*File, error)
	// UpsertCachedFile records freshly cached bytes for a path.
	UpsertCachedFile(ctx context.Context, repoID int64, path, storageKey string) (*File, error)
	SetStorageKey(ctx context.Context, fileID int64, storageKey string) error
	MarkPendingDelete(ctx context.Context, fileID int64) (*File, error)
	// MarkDeleted moves a PENDING_DELETE row to DELETED. It reports false,
	// without error, when the row is in any other state.
	MarkDeleted(ctx context.Context, fileID int64) (bool, error)

	// Credentials.
	PutCredential(ctx context.Context, sessionID, token string) error
	GetCredential(ctx context.Context, sessionID string) (*Credential, error)

	// Outbox.
	EnqueueOutbox(ctx context.Context, ev *OutboxEvent) error
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, lastErr string, dead bool) error

	// WithTx runs fn with a Catalog bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise,
	// including when ctx is cancelled before commit.
	WithTx(ctx context.Context, fn func(tx Catalog) error) error
}
