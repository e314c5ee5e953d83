// Package remote defines the capabilities the sync engine needs from a
// remote repository host.
package remote

import "context"

// Credential is the API credential used for every call made on a user's
// behalf.
type Credential struct {
	Token string
}

// EntryKind distinguishes files from directories in a remote tree.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

// TreeEntry is one entry of a recursive tree listing.
type TreeEntry struct {
	Path string
	Kind EntryKind
	Hash string
}

// FileWrite describes a create or update. A nil ConditionHash creates the
// file; otherwise the write only succeeds if the remote content hash still
// equals *ConditionHash.
type FileWrite struct {
	Path          string
	Branch        string
	Content       []byte
	Message       string
	ConditionHash *string
}

// WriteResult is returned by a successful write.
type WriteResult struct {
	Hash      string // new content hash of the file
	CommitSHA string
}

// Client is a remote repository host.
//
// Failures are classified with errs kinds: KindNotFound, KindConflict
// (conditioned write lost the race), KindCredentialMissing,
// KindCredentialInvalid, KindInvalidPath and KindRemoteError for anything
// else, including network failures and rate limiting.
type Client interface {
	ResolveDefaultBranch(ctx context.Context, cred Credential, owner, repo string) (string, error)
	FetchTree(ctx context.Context, cred Credential, owner, repo, branch string) ([]TreeEntry, error)
	DownloadFile(ctx context.Context, cred Credential, owner, repo, path, branch string) ([]byte, error)
	// GetFileHash returns found=false, without error, when the path does
	// not exist on the branch.
	GetFileHash(ctx context.Context, cred Credential, owner, repo, path, branch string) (hash string, found bool, err error)
	WriteFile(ctx context.Context, cred Credential, owner, repo string, w FileWrite) (*WriteResult, error)
	ValidateCredential(ctx context.Context, cred Credential) (bool, error)
}
