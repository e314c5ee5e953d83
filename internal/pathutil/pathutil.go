// Package pathutil normalizes repository-relative paths and derives cache keys.
package pathutil

import (
	"path"
	"strconv"
	"strings"

	"github.com/reposync/reposync/internal/errs"
)

// Normalize returns the canonical form of a file path inside a repository:
// POSIX separators, no leading slash, no "." segments. Whitespace inside
// names is kept, since GitHub allows it. Empty or blank paths and paths
// containing ".." segments are rejected with KindInvalidPath.
func Normalize(p string) (string, error) {
	clean, err := clean(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return "", errs.InvalidPathf("pathutil.Normalize", "path is empty")
	}
	return clean, nil
}

// NormalizeDir is Normalize for directory prefixes; the empty string denotes
// the repository root and is accepted.
func NormalizeDir(p string) (string, error) {
	return clean(p)
}

func clean(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", errs.InvalidPathf("pathutil.Normalize", "path contains NUL byte")
	}
	if strings.TrimSpace(p) == "" {
		return "", nil
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errs.InvalidPathf("pathutil.Normalize", "path %q escapes the repository root", p)
		}
	}
	p = strings.Trim(path.Clean("/"+p), "/")
	return p, nil
}

// CacheKey derives the object store key for a file. The key is a pure
// function of (repository id, normalized path), so two rows never share one.
func CacheKey(repoID int64, normalizedPath string) string {
	return strconv.FormatInt(repoID, 10) + "/" + normalizedPath
}

// Base returns the last path segment.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Join joins a normalized directory prefix and a name.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
