package gitrepo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestDiscover_PrefersGitDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GIT_DIR", dir)

	repo, err := Discover()
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if repo.GitDir() != dir {
		t.Errorf("GitDir() = %q, want %q", repo.GitDir(), dir)
	}
}

func TestDiscover_OutsideRepository(t *testing.T) {
	t.Setenv("GIT_DIR", "")
	wd, wdErr := os.Getwd()
	if wdErr != nil {
		t.Fatalf("Getwd() failed: %v", wdErr)
	}
	if chErr := os.Chdir(t.TempDir()); chErr != nil {
		t.Fatalf("Chdir() failed: %v", chErr)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restoring working directory: %v", err)
		}
	})

	_, err := Discover()
	if err == nil {
		t.Fatal("Discover() succeeded outside a repository")
	}
}

func TestStateDir(t *testing.T) {
	gitDir := t.TempDir()
	repo := &Repo{gitDir: gitDir}

	dir, err := repo.StateDir()
	if err != nil {
		t.Fatalf("StateDir() failed: %v", err)
	}
	if want := filepath.Join(gitDir, "dokuwiki"); dir != want {
		t.Errorf("StateDir() = %q, want %q", dir, want)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("state dir was not created: %v", err)
	}
}

// initTestRepo creates a throwaway repository with one commit on main.
func initTestRepo(t *testing.T) *Repo {
	t.Helper()
	work := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = work
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=t@t",
			"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_SYSTEM=/dev/null")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(work, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "f.txt")
	run("commit", "-m", "initial")
	return &Repo{gitDir: filepath.Join(work, ".git")}
}

func TestRefExists(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	repo := initTestRepo(t)

	if !repo.RefExists(ctx, "refs/heads/main") {
		t.Error("RefExists(refs/heads/main) = false, want true")
	}
	if repo.RefExists(ctx, "refs/heads/nope") {
		t.Error("RefExists(refs/heads/nope) = true, want false")
	}
}

func TestLastCommitTime(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	repo := initTestRepo(t)

	ts, ok := repo.LastCommitTime(ctx, "refs/heads/main")
	if !ok || ts == 0 {
		t.Errorf("LastCommitTime() = (%d, %v), want a real timestamp", ts, ok)
	}
	if _, ok := repo.LastCommitTime(ctx, "refs/heads/nope"); ok {
		t.Error("LastCommitTime() reported ok for a missing ref")
	}
}
