// Package gitrepo integrates with the git repository the helper is
// running inside.
//
// git invokes remote helpers with GIT_DIR set; outside of that the
// package falls back to `git rev-parse`. The helper keeps all of its
// state (identity map, session cookie, logs) in a `dokuwiki/`
// subdirectory of the git dir so every clone carries its own state.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotInRepository means no git directory could be located.
var ErrNotInRepository = errors.New("not inside a git repository")

// stateDirName is the subdirectory of the git dir that holds helper
// state.
const stateDirName = "dokuwiki"

// Repo is a handle to the surrounding git repository.
type Repo struct {
	gitDir string
}

// Discover locates the git directory, preferring the GIT_DIR
// environment variable git sets for remote helpers.
func Discover() (*Repo, error) {
	if dir := os.Getenv("GIT_DIR"); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve GIT_DIR: %w", err)
		}
		return &Repo{gitDir: abs}, nil
	}

	out, err := exec.Command("git", "rev-parse", "--absolute-git-dir").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInRepository, err)
	}
	return &Repo{gitDir: strings.TrimSpace(string(out))}, nil
}

// GitDir returns the git directory path.
func (r *Repo) GitDir() string { return r.gitDir }

// StateDir returns the helper's state directory inside the git dir,
// creating it if needed.
func (r *Repo) StateDir() (string, error) {
	dir := filepath.Join(r.gitDir, stateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// RefExists reports whether the named ref exists in the repository.
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", ref)
	cmd.Env = append(os.Environ(), "GIT_DIR="+r.gitDir)
	return cmd.Run() == nil
}

// LastCommitTime returns the author timestamp of the newest commit on
// the given ref, or false if the ref has no commits.
func (r *Repo) LastCommitTime(ctx context.Context, ref string) (int64, bool) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%at", ref)
	cmd.Env = append(os.Environ(), "GIT_DIR="+r.gitDir)
	out, err := cmd.Output()
	if err != nil {
		return 0, false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
