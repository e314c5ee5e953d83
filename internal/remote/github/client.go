// Package github implements remote.Client on the GitHub REST API.
package github

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/remote"
	"github.com/reposync/reposync/internal/retry"
)

// DefaultBranchFallback is used when the API does not report a default branch.
const DefaultBranchFallback = "main"

// Config holds GitHub client settings.
type Config struct {
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	// Empty means https://api.github.com/.
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config

	CommitAuthorName  string
	CommitAuthorEmail string
}

// Client implements remote.Client. One go-github client is kept per token.
type Client struct {
	cfg     Config
	baseURL *url.URL

	clientsMx sync.RWMutex
	clients   map[string]*github.Client
}

var _ remote.Client = (*Client)(nil)

// New creates a GitHub client.
func New(cfg Config) (*Client, error) {
	c := &Client{cfg: cfg, clients: make(map[string]*github.Client)}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse GitHub API URL %q: %w", cfg.BaseURL, err)
		}
		c.baseURL = u
	}
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = 30 * time.Second
	}
	return c, nil
}

func (c *Client) clientFor(cred remote.Credential) (*github.Client, error) {
	if cred.Token == "" {
		return nil, errs.E(errs.KindCredentialMissing, "github.client", "no GitHub token available", nil)
	}
	sum := sha256.Sum256([]byte(cred.Token))
	key := hex.EncodeToString(sum[:])

	c.clientsMx.RLock()
	if client, ok := c.clients[key]; ok {
		c.clientsMx.RUnlock()
		return client, nil
	}
	c.clientsMx.RUnlock()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Token})
	base := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: c.cfg.Timeout})
	client := github.NewClient(oauth2.NewClient(base, ts))
	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}

	c.clientsMx.Lock()
	if existing, ok := c.clients[key]; ok {
		client = existing
	} else {
		c.clients[key] = client
	}
	c.clientsMx.Unlock()
	return client, nil
}

// classify maps a go-github failure onto an errs kind.
func classify(op string, resp *github.Response, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return errs.E(errs.KindRemoteError, op, "GitHub rate limit exceeded", err)
	}

	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	switch status {
	case http.StatusUnauthorized:
		return errs.E(errs.KindCredentialInvalid, op, "GitHub rejected the token", err)
	case http.StatusNotFound:
		return errs.E(errs.KindNotFound, op, "not found on GitHub", err)
	case http.StatusConflict:
		return errs.E(errs.KindConflict, op, "remote content changed", err)
	case 0:
		return errs.E(errs.KindRemoteError, op, "GitHub unreachable", err)
	default:
		return errs.E(errs.KindRemoteError, op, fmt.Sprintf("GitHub returned %d", status), err)
	}
}

// transient reports whether a read failure is worth retrying.
func transient(resp *github.Response, err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp != nil && resp.Response != nil {
		return retry.IsRetryableStatus(resp.StatusCode)
	}
	return retry.IsRetryable(err)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(errs.KindOf(err)))
}

// read runs an idempotent call with retries, metrics and classification.
func read[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, *github.Response, error)) (T, error) {
	start := time.Now()
	cfg := c.cfg.Retry
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.WithContext(ctx).Warn("retrying GitHub call",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	result, err := retry.Do(ctx, cfg, func(ctx context.Context) (T, error) {
		v, resp, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		classified := classify(op, resp, err)
		if transient(resp, err) {
			return v, retry.Retryable(classified)
		}
		return v, classified
	})
	if err != nil && errs.KindOf(err) == errs.KindInternal {
		// Context cancellation while waiting between attempts.
		err = errs.E(errs.KindRemoteError, op, "GitHub call aborted", err)
	}
	metrics.RecordRemoteCall(op, time.Since(start), outcome(err))
	return result, err
}

// ResolveDefaultBranch returns the repository's default branch.
func (c *Client) ResolveDefaultBranch(ctx context.Context, cred remote.Credential, owner, repo string) (string, error) {
	client, err := c.clientFor(cred)
	if err != nil {
		return "", err
	}
	r, err := read(ctx, c, "resolve_default_branch", func(ctx context.Context) (*github.Repository, *github.Response, error) {
		return client.Repositories.Get(ctx, owner, repo)
	})
	if err != nil {
		return "", err
	}
	if branch := r.GetDefaultBranch(); branch != "" {
		return branch, nil
	}
	return DefaultBranchFallback, nil
}

// FetchTree lists the whole tree of a branch. Submodule entries are skipped.
func (c *Client) FetchTree(ctx context.Context, cred remote.Credential, owner, repo, branch string) ([]remote.TreeEntry, error) {
	client, err := c.clientFor(cred)
	if err != nil {
		return nil, err
	}
	tree, err := read(ctx, c, "fetch_tree", func(ctx context.Context) (*github.Tree, *github.Response, error) {
		return client.Git.GetTree(ctx, owner, repo, branch, true)
	})
	if err != nil {
		return nil, err
	}
	if tree.GetTruncated() {
		logging.WithContext(ctx).Warn("GitHub tree listing truncated, catalog will be partial",
			zap.String("owner", owner), zap.String("repo", repo), zap.String("branch", branch),
			zap.Int("entries", len(tree.Entries)))
	}

	entries := make([]remote.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		var kind remote.EntryKind
		switch e.GetType() {
		case "blob":
			kind = remote.KindFile
		case "tree":
			kind = remote.KindDir
		default:
			continue
		}
		entries = append(entries, remote.TreeEntry{Path: e.GetPath(), Kind: kind, Hash: e.GetSHA()})
	}
	return entries, nil
}

// getContents fetches file metadata and inline content. A directory at path
// is reported as KindInvalidPath.
func (c *Client) getContents(ctx context.Context, client *github.Client, op, owner, repo, path, branch string) (*github.RepositoryContent, error) {
	fc, err := read(ctx, c, op, func(ctx context.Context) (*github.RepositoryContent, *github.Response, error) {
		fc, _, resp, err := client.Repositories.GetContents(ctx, owner, repo, path,
			&github.RepositoryContentGetOptions{Ref: branch})
		return fc, resp, err
	})
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, errs.InvalidPathf(op, "%s is a directory", path)
	}
	return fc, nil
}

// DownloadFile returns the bytes of a file. Files above the inline content
// limit are fetched as raw blobs.
func (c *Client) DownloadFile(ctx context.Context, cred remote.Credential, owner, repo, path, branch string) ([]byte, error) {
	client, err := c.clientFor(cred)
	if err != nil {
		return nil, err
	}
	fc, err := c.getContents(ctx, client, "download_file", owner, repo, path, branch)
	if err != nil {
		return nil, err
	}

	if fc.GetEncoding() == "none" {
		return read(ctx, c, "download_blob", func(ctx context.Context) ([]byte, *github.Response, error) {
			return client.Git.GetBlobRaw(ctx, owner, repo, fc.GetSHA())
		})
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, errs.E(errs.KindRemoteError, "download_file", "cannot decode content of "+path, err)
	}
	return []byte(content), nil
}

// GetFileHash returns the blob SHA of a file on a branch.
func (c *Client) GetFileHash(ctx context.Context, cred remote.Credential, owner, repo, path, branch string) (string, bool, error) {
	client, err := c.clientFor(cred)
	if err != nil {
		return "", false, err
	}
	fc, err := c.getContents(ctx, client, "get_file_hash", owner, repo, path, branch)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return fc.GetSHA(), true, nil
}

// WriteFile creates or updates a file. Writes are not retried: a repeated
// create after a lost response would report a spurious conflict.
func (c *Client) WriteFile(ctx context.Context, cred remote.Credential, owner, repo string, w remote.FileWrite) (*remote.WriteResult, error) {
	client, err := c.clientFor(cred)
	if err != nil {
		return nil, err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(w.Message),
		Content: w.Content,
	}
	if w.Branch != "" {
		opts.Branch = github.String(w.Branch)
	}
	if c.cfg.CommitAuthorName != "" && c.cfg.CommitAuthorEmail != "" {
		opts.Committer = &github.CommitAuthor{
			Name:  github.String(c.cfg.CommitAuthorName),
			Email: github.String(c.cfg.CommitAuthorEmail),
		}
	}

	op := "create_file"
	start := time.Now()
	var res *github.RepositoryContentResponse
	var resp *github.Response
	if w.ConditionHash == nil {
		res, resp, err = client.Repositories.CreateFile(ctx, owner, repo, w.Path, opts)
	} else {
		op = "update_file"
		opts.SHA = github.String(*w.ConditionHash)
		res, resp, err = client.Repositories.UpdateFile(ctx, owner, repo, w.Path, opts)
	}

	if err != nil {
		err = classify(op, resp, err)
		// Creating a path that already exists answers 422: someone else
		// created the file after our hash check.
		if op == "create_file" && resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			err = errs.E(errs.KindConflict, op, "file was created remotely", errors.Unwrap(err))
		}
		metrics.RecordRemoteCall(op, time.Since(start), outcome(err))
		return nil, err
	}
	metrics.RecordRemoteCall(op, time.Since(start), outcome(nil))

	return &remote.WriteResult{
		Hash:      res.GetContent().GetSHA(),
		CommitSHA: res.Commit.GetSHA(),
	}, nil
}

// ValidateCredential checks a token by fetching the authenticated user.
// A rejected token is reported as false without error.
func (c *Client) ValidateCredential(ctx context.Context, cred remote.Credential) (bool, error) {
	client, err := c.clientFor(cred)
	if err != nil {
		return false, err
	}
	start := time.Now()
	_, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			metrics.RecordRemoteCall("validate_credential", time.Since(start), "rejected")
			return false, nil
		}
		err = classify("validate_credential", resp, err)
		metrics.RecordRemoteCall("validate_credential", time.Since(start), outcome(err))
		return false, err
	}
	metrics.RecordRemoteCall("validate_credential", time.Since(start), "success")
	return true, nil
}
