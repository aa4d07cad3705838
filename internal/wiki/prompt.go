package wiki

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalPrompt is the last-resort credential source: it asks on the
// controlling terminal. It opens /dev/tty directly because stdin and
// stdout belong to the remote-helper protocol channel and must not be
// touched.
type TerminalPrompt struct{}

// Fill prompts for a username (when none is known) and a password.
// Fails when no controlling terminal is available, letting the session
// move on to its "all sources exhausted" error.
func (TerminalPrompt) Fill(ctx context.Context, host, user string) (string, string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", "", fmt.Errorf("no terminal available: %w", err)
	}
	defer tty.Close()

	if user == "" {
		fmt.Fprintf(tty, "Username for %s: ", host)
		line, err := bufio.NewReader(tty).ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		user = strings.TrimSpace(line)
		if user == "" {
			return "", "", fmt.Errorf("empty username")
		}
	}

	fmt.Fprintf(tty, "Password for %s@%s: ", user, host)
	password, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}
	return user, string(password), nil
}

// Approve is a no-op; the terminal has nothing to remember.
func (TerminalPrompt) Approve(ctx context.Context, host, user, password string) {}

// Reject is a no-op.
func (TerminalPrompt) Reject(ctx context.Context, host, user string) {}
