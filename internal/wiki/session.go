package wiki

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SessionState tracks where the session is in its authentication
// lifecycle.
type SessionState int

const (
	// StateUnauthenticated means no valid session is known.
	StateUnauthenticated SessionState = iota
	// StateAuthenticating means a login attempt is in flight.
	StateAuthenticating
	// StateAuthenticated means the session cookie was accepted.
	StateAuthenticated
)

// CredentialSource produces a username/password pair. Sources are
// consulted in order after the explicit password and the persisted
// cookie have both been ruled out.
type CredentialSource interface {
	// Fill returns credentials for the given host. user may be empty,
	// in which case the source chooses or asks.
	Fill(ctx context.Context, host, user string) (string, string, error)
	// Approve tells the source its credentials worked.
	Approve(ctx context.Context, host, user, password string)
	// Reject tells the source its credentials were refused.
	Reject(ctx context.Context, host, user string)
}

// authService is the slice of Client the session needs: the login
// call, the cheap probe, and the API version check. Narrowed to an
// interface so session tests can run against a fake.
type authService interface {
	Login(ctx context.Context, user, password string) error
	WhoAmI(ctx context.Context) (string, error)
	APIVersion(ctx context.Context) (int64, error)
}

// SessionConfig carries the immutable inputs to a Session.
type SessionConfig struct {
	// Host is the wiki hostname, used when asking credential sources.
	Host string
	// User is the username from the remote URL; may be empty.
	User string
	// Password is an explicitly configured password. When set it is
	// the only credential source tried.
	Password string
	// CookiePath is where the session cookie is persisted. Empty
	// disables persistence.
	CookiePath string
	// Credentials are fallback sources, tried in order.
	Credentials []CredentialSource
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Session owns authentication state: the cookie, the credential
// sources, and the state machine Unauthenticated -> Authenticating ->
// Authenticated. It persists the cookie immediately after a successful
// login so a crash cannot force a re-prompt.
type Session struct {
	cfg SessionConfig
	log *zap.Logger

	// authMu serializes the state machine. It is never held while the
	// cookie map is consulted by in-flight requests.
	authMu         sync.Mutex
	state          SessionState
	user           string
	loadedFromDisk bool
	versionChecked bool

	cookieMu sync.Mutex
	cookies  map[string]string
}

// sessionFile is the on-disk cookie format.
type sessionFile struct {
	User    string        `yaml:"user,omitempty"`
	Cookies []savedCookie `yaml:"cookies"`
}

type savedCookie struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// NewSession creates a session and loads any persisted cookie. A
// missing or unreadable cookie file is treated as "no session yet",
// never as an error.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		user:    cfg.User,
		cookies: make(map[string]string),
	}
	s.loadCookies()
	return s
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.state
}

// User returns the username the session is (or will be) authenticated
// as.
func (s *Session) User() string {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.user
}

// Ensure makes sure the session is authenticated, lazily logging in on
// first use. Credential priority: explicit password, persisted cookie
// validated by a probe call, then the configured fallback sources.
// After the first successful authentication the wiki's API version is
// checked once against MinAPIVersion.
func (s *Session) Ensure(ctx context.Context, svc authService) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.state == StateAuthenticated {
		return nil
	}
	s.state = StateAuthenticating

	if s.cfg.Password == "" && s.loadedFromDisk && s.hasCookies() {
		user, err := s.probe(ctx, svc)
		switch {
		case err == nil && user != "":
			s.log.Debug("using cached session", zap.String("user", user))
			s.user = user
			return s.finish(ctx, svc)
		case err != nil && !IsKind(err, KindUnauthenticated):
			s.state = StateUnauthenticated
			return err
		default:
			s.log.Debug("cached session is stale")
			s.clearCookies()
		}
	}

	if err := s.login(ctx, svc); err != nil {
		s.state = StateUnauthenticated
		return err
	}
	return s.finish(ctx, svc)
}

// Reauthenticate discards the current session and logs in again from
// credentials. Called by the client after a call came back
// unauthenticated; the client retries that call exactly once
// afterwards.
func (s *Session) Reauthenticate(ctx context.Context, svc authService) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	s.log.Info("session expired, re-authenticating")
	s.clearCookies()
	if s.cfg.CookiePath != "" {
		_ = os.Remove(s.cfg.CookiePath)
	}
	s.state = StateAuthenticating
	if err := s.login(ctx, svc); err != nil {
		s.state = StateUnauthenticated
		return err
	}
	s.state = StateAuthenticated
	return nil
}

// probe validates the persisted cookie with a cheap call. A transport
// error is retried once; this is the only retried network call in the
// whole client, and it is safe because the probe is read-only.
func (s *Session) probe(ctx context.Context, svc authService) (string, error) {
	user, err := svc.WhoAmI(ctx)
	if err != nil && IsKind(err, KindTransport) {
		user, err = svc.WhoAmI(ctx)
	}
	return user, err
}

// login walks the credential sources and authenticates. Exhausting
// every source is fatal.
func (s *Session) login(ctx context.Context, svc authService) error {
	if s.cfg.Password != "" {
		if s.cfg.User == "" {
			return &Error{Kind: KindConfiguration, Op: "login", Target: s.cfg.Host,
				Err: fmt.Errorf("a password is configured but no username; set DOKUWIKI_USER or put the user in the remote URL")}
		}
		s.log.Debug("authenticating with configured password", zap.String("user", s.cfg.User))
		if err := svc.Login(ctx, s.cfg.User, s.cfg.Password); err != nil {
			return err
		}
		s.user = s.cfg.User
		s.saveCookies()
		return nil
	}

	var lastErr error
	for _, src := range s.cfg.Credentials {
		user, password, err := src.Fill(ctx, s.cfg.Host, s.cfg.User)
		if err != nil {
			lastErr = err
			continue
		}
		if err := svc.Login(ctx, user, password); err != nil {
			src.Reject(ctx, s.cfg.Host, user)
			lastErr = err
			continue
		}
		src.Approve(ctx, s.cfg.Host, user, password)
		s.user = user
		s.saveCookies()
		return nil
	}

	return &Error{Kind: KindAuthentication, Op: "login", Target: s.cfg.Host,
		Err: fmt.Errorf("no credential source succeeded for %s: %w", s.cfg.Host, orNoSources(lastErr))}
}

func orNoSources(err error) error {
	if err == nil {
		return fmt.Errorf("no credential sources configured; set DOKUWIKI_PASSWORD or configure git credentials")
	}
	return err
}

// finish completes authentication: persist the cookie if it changed
// path, then check the API version once per process.
func (s *Session) finish(ctx context.Context, svc authService) error {
	if s.cfg.CookiePath != "" {
		if _, err := os.Stat(s.cfg.CookiePath); err != nil {
			s.saveCookies()
		}
	}
	if !s.versionChecked {
		version, err := svc.APIVersion(ctx)
		if err != nil {
			s.state = StateUnauthenticated
			return err
		}
		if version < MinAPIVersion {
			s.state = StateUnauthenticated
			return &Error{Kind: KindConfiguration, Op: "core.getAPIVersion", Target: s.cfg.Host,
				Err: fmt.Errorf("api version %d is too old, need at least %d; upgrade the wiki", version, MinAPIVersion)}
		}
		s.log.Debug("api version ok", zap.Int64("version", version))
		s.versionChecked = true
	}
	s.state = StateAuthenticated
	return nil
}

// cookieHeader renders the Cookie header for the next request.
func (s *Session) cookieHeader() string {
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()
	header := ""
	for name, value := range s.cookies {
		if header != "" {
			header += "; "
		}
		header += name + "=" + value
	}
	return header
}

// absorbCookies captures Set-Cookie headers from a response.
func (s *Session) absorbCookies(resp *http.Response) {
	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return
	}
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()
	for _, c := range cookies {
		if c.MaxAge < 0 || c.Value == "" || c.Value == "deleted" {
			delete(s.cookies, c.Name)
			continue
		}
		s.cookies[c.Name] = c.Value
	}
}

func (s *Session) hasCookies() bool {
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()
	return len(s.cookies) > 0
}

func (s *Session) clearCookies() {
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()
	s.cookies = make(map[string]string)
}

func (s *Session) loadCookies() {
	if s.cfg.CookiePath == "" {
		return
	}
	data, err := os.ReadFile(s.cfg.CookiePath)
	if err != nil {
		return
	}
	var file sessionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		s.log.Debug("ignoring unreadable cookie file", zap.Error(err))
		return
	}
	s.cookieMu.Lock()
	defer s.cookieMu.Unlock()
	for _, c := range file.Cookies {
		if c.Name != "" && c.Value != "" {
			s.cookies[c.Name] = c.Value
		}
	}
	if file.User != "" && s.user == "" {
		s.user = file.User
	}
	s.loadedFromDisk = len(s.cookies) > 0
}

// saveCookies persists the session immediately. Failures are logged
// and ignored: a lost cookie only costs a re-login next run.
func (s *Session) saveCookies() {
	if s.cfg.CookiePath == "" {
		return
	}
	s.cookieMu.Lock()
	file := sessionFile{User: s.user}
	for name, value := range s.cookies {
		file.Cookies = append(file.Cookies, savedCookie{Name: name, Value: value})
	}
	s.cookieMu.Unlock()
	sort.Slice(file.Cookies, func(i, j int) bool { return file.Cookies[i].Name < file.Cookies[j].Name })

	data, err := yaml.Marshal(&file)
	if err != nil {
		s.log.Debug("could not encode cookie file", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.CookiePath), 0o755); err != nil {
		s.log.Debug("could not create cookie dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.cfg.CookiePath, data, 0o600); err != nil {
		s.log.Debug("could not write cookie file", zap.Error(err))
	}
}
