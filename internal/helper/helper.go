// Package helper implements the git remote-helper protocol session.
//
// git talks to the helper over stdin/stdout with line-oriented
// commands: capabilities, list, option, an import batch, or export.
// The loop is strictly synchronous: one top-level command runs to
// completion before the next line is read, which keeps the identity
// map single-writer. Everything human-readable goes to stderr through
// the logger; stdout carries only protocol output.
package helper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jvasile/git-remote-dokuwiki/internal/config"
	"github.com/jvasile/git-remote-dokuwiki/internal/gitrepo"
	"github.com/jvasile/git-remote-dokuwiki/internal/history"
	"github.com/jvasile/git-remote-dokuwiki/internal/idmap"
	"github.com/jvasile/git-remote-dokuwiki/internal/logging"
	"github.com/jvasile/git-remote-dokuwiki/internal/pathmap"
	"github.com/jvasile/git-remote-dokuwiki/internal/push"
	"github.com/jvasile/git-remote-dokuwiki/internal/wiki"
)

// DefaultRef is the single branch the wiki is presented as. DokuWiki
// has no branches; every clone sees one linear history.
const DefaultRef = "refs/heads/main"

// Params wires a Session's collaborators.
type Params struct {
	Config config.Config
	Client *wiki.Client
	IDs    *idmap.Map
	Repo   *gitrepo.Repo
	Log    *logging.Logger
	In     io.Reader
	Out    io.Writer
}

// Session is one protocol conversation with git.
type Session struct {
	cfg    config.Config
	client *wiki.Client
	ids    *idmap.Map
	repo   *gitrepo.Repo
	log    *logging.Logger

	in  *bufio.Reader
	out io.Writer

	// depth is session-scoped: git may adjust it with
	// `option depth N` before the fetch.
	depth int
}

// New creates a Session.
func New(p Params) *Session {
	return &Session{
		cfg:    p.Config,
		client: p.Client,
		ids:    p.IDs,
		repo:   p.Repo,
		log:    p.Log,
		in:     bufio.NewReader(p.In),
		out:    p.Out,
		depth:  p.Config.Depth,
	}
}

// Run processes commands until git closes the channel.
func (s *Session) Run(ctx context.Context) error {
	for {
		line, err := s.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		switch {
		case line == "capabilities":
			s.printf("import\n")
			s.printf("export\n")
			s.printf("option\n")
			s.printf("\n")

		case line == "list" || line == "list for-push":
			if err := s.list(ctx); err != nil {
				return err
			}

		case strings.HasPrefix(line, "option "):
			s.printf("%s\n", s.option(strings.TrimPrefix(line, "option ")))

		case strings.HasPrefix(line, "import "):
			refs, err := s.readImportBatch(strings.TrimPrefix(line, "import "))
			if err != nil {
				return err
			}
			if err := s.runImport(ctx, refs); err != nil {
				return err
			}

		case line == "export":
			if err := s.runExport(ctx); err != nil {
				return err
			}

		case line == "":
			// Stray batch terminator.

		default:
			return fmt.Errorf("unknown command %q", line)
		}

		if f, ok := s.out.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
	}
}

// list reports the available refs. The wiki is one branch; the probe
// call only validates connectivity and authentication without fetching
// any content.
func (s *Session) list(ctx context.Context) error {
	if _, err := s.client.APIVersion(ctx); err != nil {
		return err
	}
	s.printf("? %s\n", DefaultRef)
	s.printf("@%s HEAD\n", DefaultRef)
	s.printf("\n")
	return nil
}

// option applies one session option and returns the protocol reply.
func (s *Session) option(arg string) string {
	name, value, _ := strings.Cut(arg, " ")
	switch name {
	case "verbosity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Sprintf("error invalid verbosity %q", value)
		}
		s.log.SetVerbosity(n)
		return "ok"
	case "depth":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Sprintf("error invalid depth %q", value)
		}
		s.depth = n
		return "ok"
	default:
		return "unsupported"
	}
}

// readImportBatch collects the rest of an import batch: git sends one
// `import <ref>` line per ref, terminated by a blank line.
func (s *Session) readImportBatch(first string) ([]string, error) {
	refs := []string{first}
	for {
		line, err := s.readLine()
		if err == io.EOF || (err == nil && line == "") {
			return refs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read import batch: %w", err)
		}
		rest, ok := strings.CutPrefix(line, "import ")
		if !ok {
			return nil, fmt.Errorf("unexpected %q inside import batch", line)
		}
		refs = append(refs, rest)
	}
}

// runImport streams the requested refs as one fast-import stream,
// framed by `feature done` ... `done`.
func (s *Session) runImport(ctx context.Context, refs []string) error {
	s.printf("feature done\n")

	seen := make(map[string]bool)
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if ref != DefaultRef {
			s.log.Warn("ignoring unknown ref", zap.String("ref", ref))
			continue
		}

		incremental, err := s.incremental(ctx, ref)
		if err != nil {
			return err
		}
		if incremental {
			s.log.Info("fetching new wiki revisions")
		} else {
			s.log.Info("importing wiki history")
		}

		exporter := history.New(s.client, s.ids, s.newMapper(), history.Options{
			Depth:  s.depth,
			Logger: s.log.Logger,
		})
		stats, err := exporter.Export(ctx, ref, incremental, s.out)
		if err != nil {
			return fmt.Errorf("export %s: %w", ref, err)
		}
		s.log.Info("imported ref",
			zap.String("ref", ref),
			zap.Int("pages", stats.Pages),
			zap.Int("media", stats.MediaFiles),
			zap.Int("commits", stats.Commits))
	}

	s.printf("done\n")
	return nil
}

// incremental reports whether new commits should be parented on the
// ref's existing history. That needs both a non-empty identity map and
// the ref actually existing locally.
func (s *Session) incremental(ctx context.Context, ref string) (bool, error) {
	n, err := s.ids.Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0 && s.repo != nil && s.repo.RefExists(ctx, ref), nil
}

// runExport consumes the fast-export stream and replays it onto the
// wiki, reporting one status line per ref.
func (s *Session) runExport(ctx context.Context) error {
	commits, err := push.NewParser(s.in).Parse()
	if err != nil {
		return fmt.Errorf("parse push stream: %w", err)
	}
	s.log.Info("pushing to wiki", zap.Int("commits", len(commits)))

	importer := push.New(s.client, s.ids, s.newMapper(), s.log.Logger)
	for _, result := range importer.Push(ctx, commits) {
		if result.OK {
			s.printf("ok %s\n", result.Ref)
		} else {
			s.printf("error %s %s\n", result.Ref, result.Reason)
		}
	}
	s.printf("\n")
	return nil
}

func (s *Session) newMapper() *pathmap.Mapper {
	return pathmap.New(s.cfg.Namespace, s.cfg.PageExt)
}

func (s *Session) readLine() (string, error) {
	line, err := s.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}
