package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aluiziolira/go-scrape-inventory/browser"
	"github.com/aluiziolira/go-scrape-inventory/browser/browsertest"
	"github.com/aluiziolira/go-scrape-inventory/config"
)

const (
	baseURL      = "https://inventory.test"
	validState   = `{"cookies":[{"name":"sid","value":"abc"}],"origins":[]}`
	savedByLogin = `{"cookies":[{"name":"sid","value":"fresh"}],"origins":[]}`
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.DebugDir = t.TempDir()
	cfg.SessionFile = filepath.Join(t.TempDir(), "session.json")
	cfg.Delays = config.Delays{}
	cfg.Credentials = config.Credentials{Username: "user@example.com", Password: "hunter2"}
	return cfg
}

func newManager(cfg *config.Config) *Manager {
	return NewManager(cfg, NewFileStore(cfg.SessionFile), browser.NewInteractor(cfg, nil, nil, nil), nil)
}

func writeSession(t *testing.T, cfg *config.Config, content string) {
	t.Helper()
	if err := os.WriteFile(cfg.SessionFile, []byte(content), 0o600); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func sessionExists(cfg *config.Config) bool {
	_, err := os.Stat(cfg.SessionFile)
	return err == nil
}

// loginPage renders a login form whose submit button runs onSubmit.
func loginPage(cfg *config.Config, onSubmit func(*browsertest.Page)) *browsertest.Page {
	page := browsertest.NewPage("about:blank")
	page.Show(cfg.Selectors.LoginUsername)
	page.Show(cfg.Selectors.LoginPassword)
	page.Show(cfg.Selectors.LoginSubmit)
	if onSubmit != nil {
		page.OnClick(cfg.Selectors.LoginSubmit, onSubmit)
	}
	return page
}

func singlePage(page *browsertest.Page) *browsertest.Browser {
	return &browsertest.Browser{
		NewPageFunc:  func(*browsertest.Context) *browsertest.Page { return page },
		StorageState: []byte(savedByLogin),
	}
}

func TestLoadSessionWithoutFile(t *testing.T) {
	cfg := testConfig(t)
	b := &browsertest.Browser{}

	_, err := newManager(cfg).LoadSession(context.Background(), b)
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
	if len(b.Contexts()) != 0 {
		t.Fatalf("no context should be opened")
	}
}

func TestLoadSessionMalformedIsDeleted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing origins", content: `{"cookies":[]}`},
		{name: "missing cookies", content: `{"origins":[]}`},
		{name: "null origins", content: `{"cookies":[],"origins":null}`},
		{name: "empty object", content: `{}`},
		{name: "json null", content: `null`},
		{name: "not json", content: `cookies=abc`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			writeSession(t, cfg, tt.content)
			b := &browsertest.Browser{}

			_, err := newManager(cfg).LoadSession(context.Background(), b)
			if !errors.Is(err, ErrMalformedSession) {
				t.Fatalf("err = %v, want ErrMalformedSession", err)
			}
			if sessionExists(cfg) {
				t.Fatalf("malformed session file should be deleted")
			}
			if len(b.Contexts()) != 0 {
				t.Fatalf("no context should be opened for a malformed session")
			}
		})
	}
}

func TestLoadSessionAccepted(t *testing.T) {
	tests := []struct {
		name  string
		setup func(cfg *config.Config, p *browsertest.Page)
	}{
		{
			name: "instructions with launch control",
			setup: func(cfg *config.Config, p *browsertest.Page) {
				p.Show(cfg.Selectors.LaunchChallenge)
			},
		},
		{
			name: "redirected to challenge",
			setup: func(cfg *config.Config, p *browsertest.Page) {
				p.OnGoto(func(p *browsertest.Page, _ string) error {
					p.SetURL(baseURL + "/challenge")
					return nil
				})
			},
		},
		{
			name: "launch control on another path",
			setup: func(cfg *config.Config, p *browsertest.Page) {
				p.OnGoto(func(p *browsertest.Page, _ string) error {
					p.SetURL(baseURL + "/home")
					return nil
				})
				p.Show(cfg.Selectors.LaunchChallenge)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			writeSession(t, cfg, validState)
			page := browsertest.NewPage("about:blank")
			tt.setup(cfg, page)
			b := singlePage(page)

			auth, err := newManager(cfg).LoadSession(context.Background(), b)
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			if !auth.Restored {
				t.Fatalf("session should be marked restored")
			}
			if got := page.Gotos(); len(got) != 1 || got[0] != baseURL+"/instructions" {
				t.Fatalf("gotos = %v", got)
			}
			if seed := string(b.Contexts()[0].Seed); seed != validState {
				t.Fatalf("context seeded with %q", seed)
			}
			if !sessionExists(cfg) {
				t.Fatalf("valid session file should be kept")
			}
		})
	}
}

func TestLoadSessionRejectedIsDeleted(t *testing.T) {
	cfg := testConfig(t)
	writeSession(t, cfg, validState)
	page := browsertest.NewPage("about:blank")
	page.OnGoto(func(p *browsertest.Page, _ string) error {
		p.SetURL(baseURL + "/login")
		return nil
	})
	b := singlePage(page)

	_, err := newManager(cfg).LoadSession(context.Background(), b)
	if !errors.Is(err, ErrSessionRejected) {
		t.Fatalf("err = %v, want ErrSessionRejected", err)
	}
	if sessionExists(cfg) {
		t.Fatalf("rejected session file should be deleted")
	}
	if !b.Contexts()[0].Closed() {
		t.Fatalf("context should be closed")
	}
	if !hasScreenshot(page, "debug_session_invalid.png") {
		t.Fatalf("screenshots = %v", page.Screenshots())
	}
}

func TestLoginMissingFieldAbortsBeforeSubmit(t *testing.T) {
	tests := []struct {
		name      string
		missing   func(cfg *config.Config) string
		wantField string
	}{
		{name: "no username", missing: func(cfg *config.Config) string { return cfg.Selectors.LoginUsername }, wantField: "username"},
		{name: "no password", missing: func(cfg *config.Config) string { return cfg.Selectors.LoginPassword }, wantField: "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			page := loginPage(cfg, nil)
			page.Remove(tt.missing(cfg))
			b := singlePage(page)

			_, err := newManager(cfg).Login(context.Background(), b)
			var precondition *PreconditionError
			if !errors.As(err, &precondition) {
				t.Fatalf("err = %v, want PreconditionError", err)
			}
			if precondition.Field != tt.wantField {
				t.Fatalf("field = %q, want %q", precondition.Field, tt.wantField)
			}
			if len(page.Clicks()) != 0 || len(page.Presses()) != 0 {
				t.Fatalf("nothing should be submitted, clicks=%v presses=%v", page.Clicks(), page.Presses())
			}
			if _, filled := page.Filled(cfg.Selectors.LoginUsername); filled {
				t.Fatalf("credentials should not be filled")
			}
			if !b.Contexts()[0].Closed() {
				t.Fatalf("context should be closed")
			}
			if sessionExists(cfg) {
				t.Fatalf("no session should be saved")
			}
		})
	}
}

func TestLoginWithoutCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.Password = ""
	b := singlePage(loginPage(cfg, nil))

	_, err := newManager(cfg).Login(context.Background(), b)
	var precondition *PreconditionError
	if !errors.As(err, &precondition) || precondition.Field != "credentials" {
		t.Fatalf("err = %v, want credentials precondition", err)
	}
	if len(b.Contexts()) != 0 {
		t.Fatalf("no context should be opened")
	}
}

func TestLoginAcceptedByInstructionsURL(t *testing.T) {
	cfg := testConfig(t)
	page := loginPage(cfg, func(p *browsertest.Page) {
		p.SetURL(baseURL + "/instructions")
	})
	b := singlePage(page)

	auth, err := newManager(cfg).Login(context.Background(), b)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if auth.Restored {
		t.Fatalf("fresh login should not be marked restored")
	}
	if got, _ := page.Filled(cfg.Selectors.LoginUsername); got != "user@example.com" {
		t.Fatalf("username filled with %q", got)
	}
	if got, _ := page.Filled(cfg.Selectors.LoginPassword); got != "hunter2" {
		t.Fatalf("password filled with %q", got)
	}

	saved, err := os.ReadFile(cfg.SessionFile)
	if err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	if string(saved) != savedByLogin {
		t.Fatalf("saved session = %s", saved)
	}
	info, err := os.Stat(cfg.SessionFile)
	if err != nil {
		t.Fatalf("stat session: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("session perm = %o, want 600", perm)
	}
}

func TestLoginAcceptedByLaunchControl(t *testing.T) {
	cfg := testConfig(t)
	page := loginPage(cfg, func(p *browsertest.Page) {
		p.SetURL(baseURL + "/dashboard")
		p.Show(cfg.Selectors.LaunchChallenge)
	})
	page.LoadStateErr = browser.ErrTimeout{Err: errors.New("network busy")}
	b := singlePage(page)

	if _, err := newManager(cfg).Login(context.Background(), b); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sessionExists(cfg) {
		t.Fatalf("session should be saved")
	}
}

func TestLoginKeyboardFallback(t *testing.T) {
	cfg := testConfig(t)
	page := loginPage(cfg, nil)
	page.Set(cfg.Selectors.LoginSubmit, &browsertest.Element{Disabled: true})
	page.Show(cfg.Selectors.LaunchChallenge)
	b := singlePage(page)

	if _, err := newManager(cfg).Login(context.Background(), b); err != nil {
		t.Fatalf("Login: %v", err)
	}
	want := cfg.Selectors.LoginPassword + ":Enter"
	if got := page.Presses(); len(got) != 1 || got[0] != want {
		t.Fatalf("presses = %v, want [%s]", got, want)
	}
	if !hasScreenshot(page, "debug_failed_click_login_submit_button_disabled.png") {
		t.Fatalf("screenshots = %v", page.Screenshots())
	}
}

func TestLoginNotConfirmed(t *testing.T) {
	cfg := testConfig(t)
	page := loginPage(cfg, func(p *browsertest.Page) {
		p.SetURL(baseURL + "/login?error=1")
	})
	b := singlePage(page)

	_, err := newManager(cfg).Login(context.Background(), b)
	if !errors.Is(err, ErrLoginNotConfirmed) {
		t.Fatalf("err = %v, want ErrLoginNotConfirmed", err)
	}
	if sessionExists(cfg) {
		t.Fatalf("no session should be saved")
	}
	if !page.IsClosed() || !b.Contexts()[0].Closed() {
		t.Fatalf("page and context should be closed")
	}
	if !hasScreenshot(page, "debug_login_failed_no_nav_no_button.png") {
		t.Fatalf("screenshots = %v", page.Screenshots())
	}
}

func TestLoginSurvivesSessionSaveFailure(t *testing.T) {
	cfg := testConfig(t)
	// A directory in place of the file makes the final rename fail.
	cfg.SessionFile = t.TempDir()
	page := loginPage(cfg, func(p *browsertest.Page) {
		p.SetURL(baseURL + "/instructions")
	})

	if _, err := newManager(cfg).Login(context.Background(), singlePage(page)); err != nil {
		t.Fatalf("Login should succeed without a saved session: %v", err)
	}
}

func TestEstablishFallsBackToLogin(t *testing.T) {
	cfg := testConfig(t)
	page := loginPage(cfg, func(p *browsertest.Page) {
		p.SetURL(baseURL + "/instructions")
	})
	b := singlePage(page)

	auth, err := newManager(cfg).Establish(context.Background(), b)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if auth.Page != page {
		t.Fatalf("login page should be reused")
	}
	if got := page.DefaultTimeout(); got != cfg.Timeouts.Page {
		t.Fatalf("default timeout = %v, want %v", got, cfg.Timeouts.Page)
	}
	if !sessionExists(cfg) {
		t.Fatalf("session should be saved")
	}
}

func TestEstablishReplacesPageThatCannotNavigate(t *testing.T) {
	cfg := testConfig(t)
	writeSession(t, cfg, validState)

	first := browsertest.NewPage("about:blank")
	first.Show(cfg.Selectors.LaunchChallenge)
	gotos := 0
	first.OnGoto(func(p *browsertest.Page, _ string) error {
		gotos++
		if gotos == 1 {
			p.SetURL(baseURL + "/home")
			return nil
		}
		return browser.ErrDriver{Err: errors.New("net::ERR_ABORTED")}
	})
	second := browsertest.NewPage("about:blank")

	opened := 0
	b := &browsertest.Browser{NewPageFunc: func(*browsertest.Context) *browsertest.Page {
		opened++
		if opened == 1 {
			return first
		}
		return second
	}}

	auth, err := newManager(cfg).Establish(context.Background(), b)
	if err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if auth.Page != second {
		t.Fatalf("page should be replaced")
	}
	if !first.IsClosed() {
		t.Fatalf("failed page should be closed")
	}
	if !strings.HasSuffix(second.URL(), "/instructions") {
		t.Fatalf("replacement page at %s", second.URL())
	}
	if !auth.Restored {
		t.Fatalf("session should come from the file")
	}
}

func TestEstablishFailsWhenLoginFails(t *testing.T) {
	cfg := testConfig(t)
	page := loginPage(cfg, nil)
	page.Remove(cfg.Selectors.LoginUsername)

	_, err := newManager(cfg).Establish(context.Background(), singlePage(page))
	var precondition *PreconditionError
	if !errors.As(err, &precondition) {
		t.Fatalf("err = %v, want wrapped PreconditionError", err)
	}
}

func hasScreenshot(page *browsertest.Page, name string) bool {
	for _, path := range page.Screenshots() {
		if filepath.Base(path) == name {
			return true
		}
	}
	return false
}
