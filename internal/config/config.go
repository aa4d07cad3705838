// Package config resolves the helper's configuration before any core
// component is constructed.
//
// Inputs, in increasing precedence: built-in defaults, an optional
// per-clone config file (<git-dir>/dokuwiki/config.yaml), and
// DOKUWIKI_* environment variables. The remote URL git hands the
// helper contributes the wiki host, the username, and the namespace
// scope. The resulting Config is immutable; core components receive it
// by value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/jvasile/git-remote-dokuwiki/internal/pathmap"
)

// Config is the resolved, immutable configuration.
type Config struct {
	// RemoteName is the git remote name (informational only).
	RemoteName string

	// WikiURL is scheme + host, no trailing slash.
	WikiURL string

	// Host is the wiki hostname, for credential lookups.
	Host string

	// User is the username from the URL or environment; may be empty.
	User string

	// Password is an explicit password; empty means "use other
	// credential sources".
	Password string

	// Namespace scopes the clone to a wiki namespace; empty means the
	// whole wiki.
	Namespace string

	// PageExt is the page file extension with leading dot.
	PageExt string

	// Depth limits export to the N newest revisions per file; zero
	// means unlimited.
	Depth int

	// Verbosity follows git's scale (see the logging package).
	Verbosity int

	// CookieFile is where the session cookie persists.
	CookieFile string

	// LogFile enables the rotating debug log when non-empty.
	LogFile string
}

// Load resolves configuration for the given remote. stateDir is the
// helper's state directory inside the git dir; pass "" when no
// repository is available (config file and state-dir defaults are then
// skipped).
func Load(remoteName, rawURL, stateDir string) (Config, error) {
	wikiURL, user, namespace, err := ParseRemoteURL(rawURL)
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetDefault("page_ext", pathmap.DefaultPageExt)
	v.SetDefault("depth", 0)
	v.SetDefault("verbose", 0)
	v.SetEnvPrefix("dokuwiki")
	v.AutomaticEnv()

	if stateDir != "" {
		cfgFile := filepath.Join(stateDir, "config.yaml")
		if _, err := os.Stat(cfgFile); err == nil {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read %s: %w", cfgFile, err)
			}
		}
	}

	if u := v.GetString("user"); user == "" {
		user = u
	}

	cookieFile := v.GetString("cookie_file")
	if cookieFile == "" && stateDir != "" {
		cookieFile = filepath.Join(stateDir, "session.yaml")
	}

	host := wikiURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")

	return Config{
		RemoteName: remoteName,
		WikiURL:    wikiURL,
		Host:       host,
		User:       user,
		Password:   v.GetString("password"),
		Namespace:  namespace,
		PageExt:    normalizeExt(v.GetString("page_ext")),
		Depth:      v.GetInt("depth"),
		Verbosity:  verbosityFromEnv(v.GetInt("verbose")),
		CookieFile: cookieFile,
		LogFile:    v.GetString("log_file"),
	}, nil
}

// ParseRemoteURL parses a remote URL of the form
// dokuwiki::[user@]host[/namespace], returning the wiki base URL, the
// username (possibly empty), and the namespace (possibly empty).
// Slashes in the namespace path become DokuWiki's colon separators. An
// explicit http:// or https:// after the helper prefix is honored;
// otherwise https is assumed.
func ParseRemoteURL(raw string) (wikiURL, user, namespace string, err error) {
	rest := strings.TrimPrefix(raw, "dokuwiki::")
	if rest == "" {
		return "", "", "", fmt.Errorf("empty remote url %q", raw)
	}

	scheme := "https"
	if s, r, ok := strings.Cut(rest, "://"); ok {
		if s != "http" && s != "https" {
			return "", "", "", fmt.Errorf("unsupported scheme %q in %q", s, raw)
		}
		scheme, rest = s, r
	}

	if u, r, ok := strings.Cut(rest, "@"); ok {
		user, rest = u, r
	}

	host := rest
	if h, path, ok := strings.Cut(rest, "/"); ok {
		host = h
		namespace = strings.Trim(strings.ReplaceAll(path, "/", ":"), ":")
	}
	if host == "" {
		return "", "", "", fmt.Errorf("no host in remote url %q", raw)
	}

	return scheme + "://" + host, user, namespace, nil
}

// verbosityFromEnv maps the DOKUWIKI_VERBOSE convention onto git's
// scale: 1 means info (git -v), 2 means debug (git -vv). Zero keeps
// git's default.
func verbosityFromEnv(v int) int {
	if v <= 0 {
		return 1
	}
	return v + 1
}

func normalizeExt(ext string) string {
	if ext == "" {
		return pathmap.DefaultPageExt
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}
