// Package service is the application facade used by the HTTP API and the
// admin CLI. It resolves a session to its repository and credential, calls
// the engine and turns outcomes into one human readable message each.
package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/engine"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/remote"
	"github.com/reposync/reposync/internal/remote/github"
	"github.com/reposync/reposync/internal/tracker"
)

// Notifier is told when new outbox events have been committed.
type Notifier interface {
	Kick()
}

// Config holds service limits.
type Config struct {
	MaxUploadSize int64
}

// Service implements the operations exposed to the chat front end.
type Service struct {
	cat      catalog.Catalog
	eng      *engine.Engine
	remote   remote.Client
	notifier Notifier
	cfg      Config
}

// New creates a service. notifier may be nil.
func New(cat catalog.Catalog, eng *engine.Engine, rc remote.Client, notifier Notifier, cfg Config) *Service {
	return &Service{
		cat:      cat,
		eng:      eng,
		remote:   rc,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Registration is the outcome of RegisterRepository.
type Registration struct {
	Message    string              `json:"message"`
	Repository *catalog.Repository `json:"repository"`
	Created    bool                `json:"created"`
	// Files is the number of files loaded from the remote, when the
	// best-effort tree sync succeeded.
	Files     int    `json:"files"`
	SyncError string `json:"sync_error,omitempty"`
}

// FileOutcome is the outcome of an upload or delete.
type FileOutcome struct {
	Message string            `json:"message"`
	Path    string            `json:"path"`
	State   catalog.FileState `json:"state"`
}

// PushOutcome is the outcome of PushRepository.
type PushOutcome struct {
	Message string             `json:"message"`
	Report  *engine.PushReport `json:"report"`
}

// Listing is a directory listing.
type Listing struct {
	Path    string         `json:"path"`
	Entries []engine.Entry `json:"entries"`
}

// FileContent is a text file's content.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SetCredential validates a token against the remote and stores it for the
// session.
func (s *Service) SetCredential(ctx context.Context, sessionID, token string) (string, error) {
	if err := requireSession(sessionID); err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errs.E(errs.KindInvalidInput, "service.SetCredential", "token is empty", nil)
	}

	ok, err := s.remote.ValidateCredential(ctx, remote.Credential{Token: token})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.E(errs.KindCredentialInvalid, "service.SetCredential", "GitHub rejected the token", nil)
	}
	if err := s.cat.PutCredential(ctx, sessionID, token); err != nil {
		return "", fmt.Errorf("store credential: %w", err)
	}
	logging.Info("credential stored", zap.String("session", sessionID))
	return "Token saved.", nil
}

// RegisterRepository links a repository to a session. The remote tree is
// fetched first, outside any transaction; creating the repository, linking
// it, recording the tree and queueing the tracking notification then happen
// in one transaction. The tree load is best effort. The tracker is notified
// only after that transaction commits.
func (s *Service) RegisterRepository(ctx context.Context, sessionID, repoURL string) (*Registration, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	owner, name, err := github.ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	url := github.CanonicalURL(owner, name)

	cred, credErr := s.credential(ctx, sessionID)
	if credErr != nil && !errs.Is(credErr, errs.KindCredentialMissing) {
		return nil, credErr
	}

	reg := &Registration{}
	var tree *engine.RemoteTree
	if credErr != nil {
		reg.SyncError = errs.Message(credErr)
	} else if tree, err = s.eng.FetchTree(ctx, owner, name, cred); err != nil {
		logging.Warn("tree fetch during registration failed",
			zap.String("repo", url), zap.String("session", sessionID), zap.Error(err))
		reg.SyncError = errs.Message(err)
	}

	err = s.cat.WithTx(ctx, func(tx catalog.Catalog) error {
		repo, created, err := tx.FindOrCreateRepository(ctx, url, owner, name)
		if err != nil {
			return err
		}
		if err := tx.LinkSession(ctx, sessionID, repo.ID); err != nil {
			return err
		}
		reg.Repository, reg.Created = repo, created

		if tree != nil {
			res, err := s.eng.ApplyTree(ctx, tx, repo, tree)
			if err != nil {
				logging.Warn("recording tree during registration failed",
					zap.String("repo", repo.URL), zap.String("session", sessionID), zap.Error(err))
				reg.SyncError = errs.Message(err)
			} else {
				reg.Files = res.Files
			}
		}

		ev, err := tracker.NewTrackEvent(repo.URL, sessionID)
		if err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("register repository: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Kick()
	}

	if reg.SyncError != "" {
		reg.Message = fmt.Sprintf("Repository %s/%s added, but its files could not be loaded: %s", owner, name, reg.SyncError)
	} else {
		reg.Message = fmt.Sprintf("Repository %s/%s added (%d files).", owner, name, reg.Files)
	}
	logging.Info("repository registered",
		zap.String("repo", url), zap.String("session", sessionID), zap.Bool("created", reg.Created))
	return reg, nil
}

// SyncRepository reloads the session repository's tree from the remote.
func (s *Service) SyncRepository(ctx context.Context, sessionID string) (string, error) {
	repo, cred, err := s.repoWithCredential(ctx, sessionID)
	if err != nil {
		return "", err
	}
	res, err := s.eng.SyncTree(ctx, repo, cred)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Loaded %d files from %s/%s@%s.", res.Files, repo.Owner, repo.Name, res.Branch), nil
}

// UploadFile stores a new version of a file in the session's repository.
func (s *Service) UploadFile(ctx context.Context, sessionID, path string, data []byte, contentType string) (*FileOutcome, error) {
	if s.cfg.MaxUploadSize > 0 && int64(len(data)) > s.cfg.MaxUploadSize {
		return nil, errs.E(errs.KindInvalidInput, "service.UploadFile",
			fmt.Sprintf("file is larger than %d bytes", s.cfg.MaxUploadSize), nil)
	}
	repo, err := s.activeRepository(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	f, err := s.eng.UploadFile(ctx, repo, path, data, contentType)
	if err != nil {
		return nil, err
	}
	return &FileOutcome{
		Message: fmt.Sprintf("File %s saved. It will be sent to GitHub on the next push.", f.Path),
		Path:    f.Path,
		State:   f.State,
	}, nil
}

// RequestDeletion schedules the deletion of a file.
func (s *Service) RequestDeletion(ctx context.Context, sessionID, path string) (*FileOutcome, error) {
	repo, err := s.activeRepository(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	f, err := s.eng.DeleteFile(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	return &FileOutcome{
		Message: fmt.Sprintf("File %s deleted.", f.Path),
		Path:    f.Path,
		State:   f.State,
	}, nil
}

// PushRepository pushes the session's cached files to the remote.
func (s *Service) PushRepository(ctx context.Context, sessionID string) (*PushOutcome, error) {
	repo, cred, err := s.repoWithCredential(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report, err := s.eng.Push(ctx, repo, cred)
	if err != nil {
		return nil, err
	}

	var msg string
	if report.NothingToPush {
		msg = fmt.Sprintf("Nothing to push to %s/%s.", repo.Owner, repo.Name)
	} else {
		msg = fmt.Sprintf("Push to %s/%s@%s: %s.", repo.Owner, repo.Name, report.Branch, report.Summary())
	}
	return &PushOutcome{Message: msg, Report: report}, nil
}

// ListDirectory lists the children of a directory of the session's
// repository.
func (s *Service) ListDirectory(ctx context.Context, sessionID, path string) (*Listing, error) {
	repo, err := s.activeRepository(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.eng.ListEntries(ctx, repo, path)
	if err != nil {
		return nil, err
	}
	return &Listing{Path: strings.Trim(path, "/"), Entries: entries}, nil
}

// ListFlatTree returns every file path of the session's repository.
func (s *Service) ListFlatTree(ctx context.Context, sessionID string) ([]string, error) {
	repo, err := s.activeRepository(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	paths, err := s.eng.ListFlatTree(ctx, repo)
	if err != nil {
		return nil, err
	}
	if paths == nil {
		paths = []string{}
	}
	return paths, nil
}

// ReadFileContent returns a text file's content. Binary files must be
// downloaded instead.
func (s *Service) ReadFileContent(ctx context.Context, sessionID, path string) (*FileContent, error) {
	dl, err := s.DownloadFileBytes(ctx, sessionID, path)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(dl.Data) {
		return nil, errs.E(errs.KindInvalidInput, "service.ReadFileContent",
			fmt.Sprintf("%s is a binary file; download it instead", dl.Path), nil)
	}
	return &FileContent{Path: dl.Path, Content: string(dl.Data)}, nil
}

// DownloadFileBytes returns a file's bytes.
func (s *Service) DownloadFileBytes(ctx context.Context, sessionID, path string) (*engine.Download, error) {
	repo, err := s.activeRepository(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	creds := func(ctx context.Context) (remote.Credential, error) {
		return s.credential(ctx, sessionID)
	}
	return s.eng.ReadFile(ctx, repo, creds, path)
}

func (s *Service) activeRepository(ctx context.Context, sessionID string) (*catalog.Repository, error) {
	if err := requireSession(sessionID); err != nil {
		return nil, err
	}
	repo, err := s.cat.ActiveRepository(ctx, sessionID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, errs.NotFoundf("service.activeRepository", "no repository added yet; add one first")
		}
		return nil, err
	}
	return repo, nil
}

func (s *Service) credential(ctx context.Context, sessionID string) (remote.Credential, error) {
	c, err := s.cat.GetCredential(ctx, sessionID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return remote.Credential{}, errs.E(errs.KindCredentialMissing, "service.credential",
				"no GitHub token registered; send one first", nil)
		}
		return remote.Credential{}, err
	}
	return remote.Credential{Token: c.Token}, nil
}

func (s *Service) repoWithCredential(ctx context.Context, sessionID string) (*catalog.Repository, remote.Credential, error) {
	repo, err := s.activeRepository(ctx, sessionID)
	if err != nil {
		return nil, remote.Credential{}, err
	}
	cred, err := s.credential(ctx, sessionID)
	if err != nil {
		return nil, remote.Credential{}, err
	}
	return repo, cred, nil
}

func requireSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errs.E(errs.KindInvalidInput, "service", "session is required", nil)
	}
	return nil
}
