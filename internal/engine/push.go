package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/catalog"
	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/remote"
)

// Outcome is the result of pushing one file.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeConflict Outcome = "CONFLICT"
	OutcomeError    Outcome = "ERROR"
)

// FileResult is the push outcome of one file.
type FileResult struct {
	Path      string  `json:"path"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
	CommitSHA string  `json:"commit_sha,omitempty"`
}

// PushReport aggregates the outcome of a push. Results are sorted by path.
type PushReport struct {
	Branch        string       `json:"branch"`
	Succeeded     int          `json:"succeeded"`
	Conflicts     int          `json:"conflicts"`
	Errors        int          `json:"errors"`
	NothingToPush bool         `json:"nothing_to_push"`
	Results       []FileResult `json:"results"`
}

// Summary renders the report as a single line, like
// "3 succeeded, 1 conflict, 0 errors".
func (r *PushReport) Summary() string {
	if r.NothingToPush {
		return "nothing to push: no locally changed files"
	}
	return fmt.Sprintf("%d succeeded, %d %s, %d %s",
		r.Succeeded,
		r.Conflicts, plural(r.Conflicts, "conflict", "conflicts"),
		r.Errors, plural(r.Errors, "error", "errors"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// Push writes every cached file back to the remote default branch. Files
// are pushed independently: a failure is recorded in the report and never
// stops the others. Push itself fails only when no credential is given or
// the branch cannot be resolved.
//
// Files are pushed one at a time in path order: every write commits to the
// same branch, and GitHub rejects concurrent commits to one ref with 409,
// which would read as a false conflict.
//
// Each update is conditioned on the hash read just before it. A remote
// change landing between that read and the write is not detected.
func (e *Engine) Push(ctx context.Context, repo *catalog.Repository, cred remote.Credential) (*PushReport, error) {
	if err := requireCredential("engine.Push", cred); err != nil {
		return nil, err
	}
	branch, err := e.remote.ResolveDefaultBranch(ctx, cred, repo.Owner, repo.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}

	files, err := e.cat.ListCachedFiles(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("list cached files: %w", err)
	}

	report := &PushReport{Branch: branch, Results: []FileResult{}}
	if len(files) == 0 {
		report.NothingToPush = true
		return report, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	results := make([]FileResult, 0, len(files))
	for _, f := range files {
		results = append(results, e.pushFile(ctx, repo, cred, branch, f))
	}

	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			report.Succeeded++
		case OutcomeConflict:
			report.Conflicts++
		default:
			report.Errors++
		}
		metrics.RecordPushFile(string(r.Outcome))
	}
	report.Results = results

	logging.Info("push finished",
		zap.String("repo", repo.URL),
		zap.String("branch", branch),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (e *Engine) pushFile(ctx context.Context, repo *catalog.Repository, cred remote.Credential, branch string, f *catalog.File) FileResult {
	res := FileResult{Path: f.Path}

	data, err := e.store.Get(ctx, f.StorageKey)
	if err != nil {
		logging.Warn("cache read failed during push, refetching from remote",
			zap.String("repo", repo.URL), zap.String("path", f.Path), zap.String("key", f.StorageKey), zap.Error(err))
		data, err = e.fetchRemote(ctx, repo, cred, branch, f)
		if err != nil {
			return failed(res, err)
		}
	}

	hash, found, err := e.remote.GetFileHash(ctx, cred, repo.Owner, repo.Name, f.Path, branch)
	if err != nil {
		return failed(res, err)
	}

	w := remote.FileWrite{
		Path:    f.Path,
		Branch:  branch,
		Content: data,
		Message: "Add " + f.Path,
	}
	if found {
		w.Message = "Update " + f.Path
		w.ConditionHash = &hash
	}

	wr, err := e.remote.WriteFile(ctx, cred, repo.Owner, repo.Name, w)
	if err != nil {
		return failed(res, err)
	}

	res.Outcome = OutcomeSuccess
	res.CommitSHA = wr.CommitSHA
	if found {
		res.Detail = "updated"
	} else {
		res.Detail = "created"
	}
	return res
}

func failed(res FileResult, err error) FileResult {
	res.Outcome = OutcomeError
	if errs.Is(err, errs.KindConflict) {
		res.Outcome = OutcomeConflict
	}
	res.Detail = errs.Message(err)
	return res
}
