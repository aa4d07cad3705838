package wiki

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeAuth is an authService double that scripts login outcomes.
type fakeAuth struct {
	logins     []string // "user:pass" in call order
	failLogins map[string]bool
	whoAmI     string
	whoAmIErr  error
	version    int64
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{failLogins: make(map[string]bool), version: MinAPIVersion}
}

func (f *fakeAuth) Login(ctx context.Context, user, password string) error {
	key := user + ":" + password
	f.logins = append(f.logins, key)
	if f.failLogins[key] {
		return &Error{Kind: KindAuthentication, Op: "core.login", Target: user,
			Err: fmt.Errorf("invalid credentials")}
	}
	return nil
}

func (f *fakeAuth) WhoAmI(ctx context.Context) (string, error) {
	return f.whoAmI, f.whoAmIErr
}

func (f *fakeAuth) APIVersion(ctx context.Context) (int64, error) {
	return f.version, nil
}

// fakeSource is a scripted CredentialSource.
type fakeSource struct {
	user, password string
	fillErr        error
	approved       bool
	rejected       bool
}

func (f *fakeSource) Fill(ctx context.Context, host, user string) (string, string, error) {
	if f.fillErr != nil {
		return "", "", f.fillErr
	}
	return f.user, f.password, nil
}

func (f *fakeSource) Approve(ctx context.Context, host, user, password string) { f.approved = true }
func (f *fakeSource) Reject(ctx context.Context, host, user string)           { f.rejected = true }

func TestEnsure_ExplicitPasswordIsSoleSource(t *testing.T) {
	ctx := context.Background()
	svc := newFakeAuth()
	src := &fakeSource{user: "fallback", password: "x"}

	s := NewSession(SessionConfig{
		Host:        "wiki.example.org",
		User:        "alice",
		Password:    "secret",
		Credentials: []CredentialSource{src},
	})

	if err := s.Ensure(ctx, svc); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if len(svc.logins) != 1 || svc.logins[0] != "alice:secret" {
		t.Errorf("logins = %v, want [alice:secret]", svc.logins)
	}
	if src.approved || src.rejected {
		t.Error("fallback source was consulted despite explicit password")
	}
	if s.State() != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", s.State())
	}
}

func TestEnsure_ExplicitPasswordWithoutUserIsFatal(t *testing.T) {
	svc := newFakeAuth()
	s := NewSession(SessionConfig{Host: "h", Password: "secret"})

	err := s.Ensure(context.Background(), svc)
	if err == nil {
		t.Fatal("Ensure() succeeded with a password but no username")
	}
	if !IsKind(err, KindConfiguration) {
		t.Errorf("error kind = %v, want configuration", KindOf(err))
	}
	if !strings.Contains(err.Error(), "DOKUWIKI_USER") {
		t.Errorf("error %q does not tell the user how to fix it", err)
	}
	// No login was guessed against an arbitrary account.
	if len(svc.logins) != 0 {
		t.Errorf("logins = %v, want none", svc.logins)
	}
	if s.State() != StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated", s.State())
	}
}

func TestEnsure_FallbackSourcesInOrder(t *testing.T) {
	svc := newFakeAuth()
	svc.failLogins["bad:creds"] = true
	first := &fakeSource{user: "bad", password: "creds"}
	second := &fakeSource{user: "good", password: "creds"}

	s := NewSession(SessionConfig{
		Host:        "wiki.example.org",
		Credentials: []CredentialSource{first, second},
	})

	if err := s.Ensure(context.Background(), svc); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if !first.rejected {
		t.Error("first source was not rejected after a failed login")
	}
	if !second.approved {
		t.Error("second source was not approved after a working login")
	}
	if got := s.User(); got != "good" {
		t.Errorf("User() = %q, want good", got)
	}
}

func TestEnsure_ExhaustedSourcesIsFatal(t *testing.T) {
	svc := newFakeAuth()
	svc.failLogins["bad:creds"] = true

	s := NewSession(SessionConfig{
		Host:        "wiki.example.org",
		Credentials: []CredentialSource{&fakeSource{user: "bad", password: "creds"}},
	})

	err := s.Ensure(context.Background(), svc)
	if !IsKind(err, KindAuthentication) {
		t.Fatalf("Ensure() error = %v, want authentication kind", err)
	}
	if s.State() != StateUnauthenticated {
		t.Errorf("state after failed login = %v, want unauthenticated", s.State())
	}
}

func TestEnsure_NoSourcesConfigured(t *testing.T) {
	s := NewSession(SessionConfig{Host: "wiki.example.org"})
	err := s.Ensure(context.Background(), newFakeAuth())
	if !IsKind(err, KindAuthentication) {
		t.Fatalf("Ensure() error = %v, want authentication kind", err)
	}
	if !strings.Contains(err.Error(), "DOKUWIKI_PASSWORD") {
		t.Errorf("error should name the remedy, got: %v", err)
	}
}

func TestEnsure_CachedCookieSkipsLogin(t *testing.T) {
	cookiePath := filepath.Join(t.TempDir(), "session.yaml")
	content := "user: alice\ncookies:\n  - name: DokuWiki\n    value: abc123\n"
	if err := os.WriteFile(cookiePath, []byte(content), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}

	svc := newFakeAuth()
	svc.whoAmI = "alice"
	s := NewSession(SessionConfig{Host: "h", CookiePath: cookiePath})

	if err := s.Ensure(context.Background(), svc); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if len(svc.logins) != 0 {
		t.Errorf("logins = %v, want none (cookie probe should suffice)", svc.logins)
	}
	if got := s.User(); got != "alice" {
		t.Errorf("User() = %q, want alice", got)
	}
}

func TestEnsure_StaleCookieFallsBackToLogin(t *testing.T) {
	cookiePath := filepath.Join(t.TempDir(), "session.yaml")
	content := "cookies:\n  - name: DokuWiki\n    value: stale\n"
	if err := os.WriteFile(cookiePath, []byte(content), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}

	svc := newFakeAuth()
	svc.whoAmIErr = &Error{Kind: KindUnauthenticated, Op: "core.whoAmI",
		Err: fmt.Errorf("not logged in")}
	src := &fakeSource{user: "alice", password: "pw"}
	s := NewSession(SessionConfig{Host: "h", CookiePath: cookiePath,
		Credentials: []CredentialSource{src}})

	if err := s.Ensure(context.Background(), svc); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if len(svc.logins) != 1 || svc.logins[0] != "alice:pw" {
		t.Errorf("logins = %v, want [alice:pw]", svc.logins)
	}
}

func TestEnsure_AnonymousCookieFallsBackToLogin(t *testing.T) {
	cookiePath := filepath.Join(t.TempDir(), "session.yaml")
	content := "cookies:\n  - name: DokuWiki\n    value: anon\n"
	if err := os.WriteFile(cookiePath, []byte(content), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}

	svc := newFakeAuth() // whoAmI empty means anonymous
	src := &fakeSource{user: "alice", password: "pw"}
	s := NewSession(SessionConfig{Host: "h", CookiePath: cookiePath,
		Credentials: []CredentialSource{src}})

	if err := s.Ensure(context.Background(), svc); err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if len(svc.logins) != 1 {
		t.Errorf("logins = %v, want exactly one", svc.logins)
	}
}

func TestEnsure_RejectsOldAPIVersion(t *testing.T) {
	svc := newFakeAuth()
	svc.version = MinAPIVersion - 1
	s := NewSession(SessionConfig{Host: "h", User: "alice", Password: "pw"})

	err := s.Ensure(context.Background(), svc)
	if !IsKind(err, KindConfiguration) {
		t.Fatalf("Ensure() error = %v, want configuration kind", err)
	}
}

func TestEnsure_SecondCallIsANoOp(t *testing.T) {
	svc := newFakeAuth()
	s := NewSession(SessionConfig{Host: "h", User: "alice", Password: "pw"})

	if err := s.Ensure(context.Background(), svc); err != nil {
		t.Fatalf("first Ensure() failed: %v", err)
	}
	if err := s.Ensure(context.Background(), svc); err != nil {
		t.Fatalf("second Ensure() failed: %v", err)
	}
	if len(svc.logins) != 1 {
		t.Errorf("logins = %v, want a single login across both calls", svc.logins)
	}
}

func TestReauthenticate_ClearsCookieFile(t *testing.T) {
	cookiePath := filepath.Join(t.TempDir(), "session.yaml")
	content := "cookies:\n  - name: DokuWiki\n    value: old\n"
	if err := os.WriteFile(cookiePath, []byte(content), 0o600); err != nil {
		t.Fatalf("write cookie file: %v", err)
	}

	svc := newFakeAuth()
	s := NewSession(SessionConfig{Host: "h", User: "alice", Password: "pw", CookiePath: cookiePath})

	if err := s.Reauthenticate(context.Background(), svc); err != nil {
		t.Fatalf("Reauthenticate() failed: %v", err)
	}
	if len(svc.logins) != 1 {
		t.Errorf("logins = %v, want one fresh login", svc.logins)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("state = %v, want authenticated", s.State())
	}
}

func TestSessionPersistence(t *testing.T) {
	cookiePath := filepath.Join(t.TempDir(), "session.yaml")

	s := NewSession(SessionConfig{Host: "h", User: "alice", CookiePath: cookiePath})
	s.cookieMu.Lock()
	s.cookies["DokuWiki"] = "abc123"
	s.cookies["DWSESSION"] = "xyz"
	s.cookieMu.Unlock()
	s.user = "alice"
	s.saveCookies()

	info, err := os.Stat(cookiePath)
	if err != nil {
		t.Fatalf("cookie file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("cookie file mode = %o, want 600", perm)
	}

	s2 := NewSession(SessionConfig{Host: "h", CookiePath: cookiePath})
	if !s2.loadedFromDisk {
		t.Fatal("reloaded session did not pick up persisted cookies")
	}
	if got := s2.cookieHeader(); !strings.Contains(got, "DokuWiki=abc123") ||
		!strings.Contains(got, "DWSESSION=xyz") {
		t.Errorf("cookieHeader() = %q, missing persisted cookies", got)
	}
	if s2.User() != "alice" {
		t.Errorf("User() after reload = %q, want alice", s2.User())
	}
}

func TestProbe_RetriesTransportErrorOnce(t *testing.T) {
	calls := 0
	svc := &probeFlake{calls: &calls}
	s := NewSession(SessionConfig{Host: "h"})

	user, err := s.probe(context.Background(), svc)
	if err != nil {
		t.Fatalf("probe() failed: %v", err)
	}
	if user != "alice" {
		t.Errorf("probe() user = %q, want alice", user)
	}
	if calls != 2 {
		t.Errorf("WhoAmI called %d times, want 2 (one retry)", calls)
	}
}

// probeFlake fails its first WhoAmI with a transport error.
type probeFlake struct {
	calls *int
}

func (p *probeFlake) Login(ctx context.Context, user, password string) error { return nil }

func (p *probeFlake) WhoAmI(ctx context.Context) (string, error) {
	*p.calls++
	if *p.calls == 1 {
		return "", &Error{Kind: KindTransport, Op: "core.whoAmI", Err: fmt.Errorf("connection reset")}
	}
	return "alice", nil
}

func (p *probeFlake) APIVersion(ctx context.Context) (int64, error) {
	return MinAPIVersion, nil
}
