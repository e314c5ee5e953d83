package github

import (
	"net/url"
	"strings"

	"github.com/reposync/reposync/internal/errs"
)

// ParseRepoURL extracts owner and repository name from a GitHub URL such as
// https://github.com/owner/repo, https://github.com/owner/repo.git,
// github.com/owner/repo or git@github.com:owner/repo.git.
func ParseRepoURL(link string) (owner, repo string, err error) {
	link = strings.TrimSpace(link)
	var p string
	if rest, ok := strings.CutPrefix(link, "git@"); ok {
		_, p, ok = strings.Cut(rest, ":")
		if !ok {
			return "", "", errs.E(errs.KindInvalidInput, "github.ParseRepoURL", "invalid repository URL: "+link, nil)
		}
	} else {
		if !strings.Contains(link, "://") {
			link = "https://" + link
		}
		u, perr := url.Parse(link)
		if perr != nil || u.Host == "" {
			return "", "", errs.E(errs.KindInvalidInput, "github.ParseRepoURL", "invalid repository URL: "+link, perr)
		}
		p = u.Path
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 {
		return "", "", errs.E(errs.KindInvalidInput, "github.ParseRepoURL", "repository URL must name an owner and a repository: "+link, nil)
	}
	owner = parts[0]
	repo = strings.TrimSuffix(parts[1], ".git")
	if owner == "" || repo == "" {
		return "", "", errs.E(errs.KindInvalidInput, "github.ParseRepoURL", "repository URL must name an owner and a repository: "+link, nil)
	}
	return owner, repo, nil
}

// CanonicalURL returns the https form used as the repository's identity.
// GitHub owner and repository names are case-insensitive, so the URL is
// lower-cased; owner and repo keep their case for API calls.
func CanonicalURL(owner, repo string) string {
	return strings.ToLower("https://github.com/" + owner + "/" + repo)
}
