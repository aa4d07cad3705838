// git-remote-dokuwiki is a git remote helper that lets git clone,
// fetch, and push a DokuWiki over its JSON-RPC API:
//
//	git clone dokuwiki::user@wiki.example.com
//	git clone dokuwiki::wiki.example.com/some/namespace
//	git push origin main
//
// git invokes the helper itself; it is not meant to be run by hand.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jvasile/git-remote-dokuwiki/internal/config"
	"github.com/jvasile/git-remote-dokuwiki/internal/gitrepo"
	"github.com/jvasile/git-remote-dokuwiki/internal/helper"
	"github.com/jvasile/git-remote-dokuwiki/internal/idmap"
	"github.com/jvasile/git-remote-dokuwiki/internal/logging"
	"github.com/jvasile/git-remote-dokuwiki/internal/wiki"
)

var rootCmd = &cobra.Command{
	Use:   "git-remote-dokuwiki <remote> <url>",
	Short: "Git remote helper for DokuWiki",
	Long: `Git remote helper for DokuWiki.

Install this binary on your PATH and git will use it for any remote
with a dokuwiki:: URL:

  git clone dokuwiki::user@wiki.example.com
  git clone dokuwiki::wiki.example.com/some/namespace

Authentication uses, in order: the DOKUWIKI_PASSWORD environment
variable, a session cookie persisted in .git/dokuwiki/, your git
credential helpers, and finally a terminal prompt.`,
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0], args[1])
	},
}

func run(ctx context.Context, remoteName, rawURL string) error {
	repo, err := gitrepo.Discover()
	if err != nil {
		return err
	}
	stateDir, err := repo.StateDir()
	if err != nil {
		return err
	}

	cfg, err := config.Load(remoteName, rawURL, stateDir)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Verbosity, cfg.LogFile)
	defer func() { _ = log.Sync() }()

	session := wiki.NewSession(wiki.SessionConfig{
		Host:       cfg.Host,
		User:       cfg.User,
		Password:   cfg.Password,
		CookiePath: cfg.CookieFile,
		Credentials: []wiki.CredentialSource{
			gitrepo.Credentials{},
			wiki.TerminalPrompt{},
		},
		Logger: log.Logger,
	})
	client := wiki.NewClient(cfg.WikiURL, session, log.Logger)

	ids, err := idmap.Open(filepath.Join(stateDir, "idmap.db"))
	if err != nil {
		return err
	}
	defer ids.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	return helper.New(helper.Params{
		Config: cfg,
		Client: client,
		IDs:    ids,
		Repo:   repo,
		Log:    log,
		In:     os.Stdin,
		Out:    out,
	}).Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "git-remote-dokuwiki: %v\n", err)
		os.Exit(1)
	}
}
