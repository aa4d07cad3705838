package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Credentials talks to `git credential`, which chains through the
// user's configured credential helpers and falls back to prompting.
// It satisfies the wiki package's CredentialSource interface.
type Credentials struct{}

// Fill asks git for a username/password pair for the wiki host.
func (Credentials) Fill(ctx context.Context, host, user string) (string, string, error) {
	out, err := runCredential(ctx, "fill", host, user, "")
	if err != nil {
		return "", "", err
	}

	var username, password string
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "username="); ok {
			username = v
		} else if v, ok := strings.CutPrefix(line, "password="); ok {
			password = v
		}
	}
	if username == "" || password == "" {
		return "", "", fmt.Errorf("git credential returned no username/password for %s", host)
	}
	return username, password, nil
}

// Approve tells git the credentials worked so helpers can cache them.
func (Credentials) Approve(ctx context.Context, host, user, password string) {
	_, _ = runCredential(ctx, "approve", host, user, password)
}

// Reject tells git the credentials were refused so cached copies are
// dropped.
func (Credentials) Reject(ctx context.Context, host, user string) {
	_, _ = runCredential(ctx, "reject", host, user, "")
}

func runCredential(ctx context.Context, action, host, user, password string) (string, error) {
	var input bytes.Buffer
	fmt.Fprintf(&input, "protocol=https\nhost=%s\n", host)
	if user != "" {
		fmt.Fprintf(&input, "username=%s\n", user)
	}
	if password != "" {
		fmt.Fprintf(&input, "password=%s\n", password)
	}
	input.WriteByte('\n')

	cmd := exec.CommandContext(ctx, "git", "credential", action)
	cmd.Stdin = &input
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git credential %s failed for %s: %w", action, host, err)
	}
	return out.String(), nil
}
