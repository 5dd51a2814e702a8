// Package session establishes an authenticated browser context, either by
// replaying a persisted storage state or by logging in with credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aluiziolira/go-scrape-inventory/browser"
	"github.com/aluiziolira/go-scrape-inventory/config"
	"github.com/aluiziolira/go-scrape-inventory/models"
)

var tracer = otel.Tracer("github.com/aluiziolira/go-scrape-inventory/session")

// Authenticated is a browser context holding a logged-in session and the page
// that proved it.
type Authenticated struct {
	Context browser.Context
	Page    browser.Page
	// Restored is true when the session came from the session file.
	Restored bool
}

// Close closes the page, then the context.
func (a *Authenticated) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Page != nil && !a.Page.IsClosed() {
		if err := a.Page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}
	}
	if a.Context != nil {
		if err := a.Context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Manager owns the session file and the login flow.
type Manager struct {
	cfg    *config.Config
	store  *FileStore
	in     *browser.Interactor
	logger *slog.Logger
}

// NewManager builds a Manager.
func NewManager(cfg *config.Config, store *FileStore, in *browser.Interactor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		in:     in,
		logger: logger.With(slog.String("component", "session")),
	}
}

// Establish restores the persisted session when it is still valid and logs in
// otherwise. The returned page is placed on the instructions or challenge
// path with the page default timeout applied.
func (m *Manager) Establish(ctx context.Context, b browser.Browser) (*Authenticated, error) {
	auth, err := m.LoadSession(ctx, b)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			m.logger.Info("no saved session, logging in")
		} else {
			m.logger.Warn("saved session unusable, logging in", slog.Any("error", err))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		auth, err = m.Login(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("establish session: %w", err)
		}
	}

	if err := m.place(auth); err != nil {
		_ = auth.Close()
		return nil, fmt.Errorf("establish session: %w", err)
	}
	if m.cfg.Timeouts.Page > 0 {
		auth.Page.SetDefaultTimeout(m.cfg.Timeouts.Page)
	}
	m.logger.Info("page ready",
		slog.String("url", auth.Page.URL()),
		slog.Bool("restored", auth.Restored),
	)
	return auth, nil
}

// Login opens a fresh context and submits the configured credentials. It never
// retries; on failure the page and context are closed.
func (m *Manager) Login(ctx context.Context, b browser.Browser) (*Authenticated, error) {
	ctx, span := tracer.Start(ctx, "session.Login")
	defer span.End()

	creds := m.cfg.Credentials
	if creds.Username == "" || creds.Password == "" {
		err := &PreconditionError{Field: "credentials"}
		recordSpanError(span, err)
		return nil, err
	}

	m.logger.Info("attempting login", slog.String("stage", models.StageUnauthenticated.String()))
	bctx, err := b.NewContext(nil)
	if err != nil {
		err = fmt.Errorf("open login context: %w", err)
		recordSpanError(span, err)
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		err = fmt.Errorf("open login page: %w", err)
		recordSpanError(span, err)
		return nil, err
	}

	auth := &Authenticated{Context: bctx, Page: page}
	if err := m.login(ctx, page); err != nil {
		m.logger.Error("login failed", slog.String("reason", browser.FailureKind(err)), slog.Any("error", err))
		m.in.Snapshot(page, "login_failed_error")
		_ = auth.Close()
		recordSpanError(span, err)
		return nil, err
	}

	m.in.Snapshot(page, "login_successful")
	m.persist(bctx)
	m.logger.Info("login successful", slog.String("stage", models.StageAuthenticated.String()))
	return auth, nil
}

func (m *Manager) login(ctx context.Context, page browser.Page) error {
	sel := m.cfg.Selectors
	timeouts := m.cfg.Timeouts

	if err := page.Goto(m.cfg.BaseURL, browser.LoadStateDOMContentLoaded, timeouts.Long); err != nil {
		return fmt.Errorf("navigate to %s: %w", m.cfg.BaseURL, err)
	}
	m.in.Snapshot(page, "login_page_initial")

	if !m.in.AwaitElement(page, sel.LoginUsername, 0, browser.StateVisible) {
		return &PreconditionError{Field: "username", Selector: sel.LoginUsername}
	}
	if !m.in.AwaitElement(page, sel.LoginPassword, 0, browser.StateVisible) {
		return &PreconditionError{Field: "password", Selector: sel.LoginPassword}
	}

	if err := page.Locator(sel.LoginUsername).First().Fill(m.cfg.Credentials.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	if err := page.Locator(sel.LoginPassword).First().Fill(m.cfg.Credentials.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	m.in.Snapshot(page, "login_fields_filled")

	if !m.in.ClickElement(ctx, page, sel.LoginSubmit, "Login Submit Button", 0) {
		m.logger.Info("submit click failed, pressing enter in password field")
		if err := page.Locator(sel.LoginPassword).First().Press("Enter"); err != nil {
			return fmt.Errorf("submit with enter: %w", err)
		}
		if err := browser.Settle(ctx, m.cfg.Delays.Submit); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return m.confirmLogin(page)
}

// confirmLogin accepts the login when the URL reached the instructions path
// or the launch control is present.
func (m *Manager) confirmLogin(page browser.Page) error {
	if err := page.WaitForLoadState(browser.LoadStateNetworkIdle, m.cfg.Timeouts.Long); err != nil {
		if browser.IsClosed(err) {
			return fmt.Errorf("wait after submit: %w", err)
		}
		m.logger.Info("network did not go idle after submit", slog.Any("error", err))
	}

	url := page.URL()
	if strings.Contains(url, m.cfg.InstructionsURL) {
		m.logger.Debug("login landed on instructions", slog.String("url", url))
		return nil
	}

	m.logger.Info("not on instructions after submit, looking for launch control", slog.String("url", url))
	if m.in.AwaitElement(page, m.cfg.Selectors.LaunchChallenge, m.cfg.Timeouts.Long, browser.StateVisible) {
		return nil
	}
	m.in.Snapshot(page, "login_failed_no_nav_no_button")
	return fmt.Errorf("%w: url %s", ErrLoginNotConfirmed, url)
}

// LoadSession replays the session file into a new context and checks that it
// still reaches an authenticated page. Unusable files are deleted.
func (m *Manager) LoadSession(ctx context.Context, b browser.Browser) (*Authenticated, error) {
	ctx, span := tracer.Start(ctx, "session.LoadSession",
		trace.WithAttributes(attribute.String("session.file", m.store.Path())),
	)
	defer span.End()

	if !m.store.Exists() {
		return nil, ErrNoSession
	}

	data, err := m.store.Read()
	if err == nil {
		err = ValidateState(data)
	}
	if err != nil {
		m.logger.Warn("session file malformed", slog.Any("error", err))
		m.invalidate()
		err = fmt.Errorf("%w: %v", ErrMalformedSession, err)
		recordSpanError(span, err)
		return nil, err
	}

	bctx, err := b.NewContext(data)
	if err != nil {
		m.invalidate()
		err = fmt.Errorf("%w: open context: %v", ErrSessionRejected, err)
		recordSpanError(span, err)
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		m.invalidate()
		err = fmt.Errorf("%w: open page: %v", ErrSessionRejected, err)
		recordSpanError(span, err)
		return nil, err
	}

	auth := &Authenticated{Context: bctx, Page: page, Restored: true}
	if err := m.validateSession(ctx, page); err != nil {
		m.logger.Warn("session rejected", slog.Any("error", err))
		m.in.Snapshot(page, "session_load_failed")
		_ = auth.Close()
		m.invalidate()
		recordSpanError(span, err)
		return nil, err
	}

	m.in.Snapshot(page, "session_valid")
	m.logger.Info("session restored", slog.String("url", page.URL()))
	return auth, nil
}

func (m *Manager) validateSession(ctx context.Context, page browser.Page) error {
	target := m.cfg.InstructionsPageURL()
	if err := page.Goto(target, browser.LoadStateDOMContentLoaded, m.cfg.Timeouts.Long); err != nil {
		return fmt.Errorf("%w: navigate to %s: %v", ErrSessionRejected, target, err)
	}
	m.in.Snapshot(page, "session_load_page")
	if err := ctx.Err(); err != nil {
		return err
	}

	url := page.URL()
	if m.onChallenge(url) {
		m.logger.Debug("session landed on challenge", slog.String("url", url))
		return nil
	}

	// The launch control is accepted on the instructions path and on any
	// other path alike.
	if m.in.AwaitElement(page, m.cfg.Selectors.LaunchChallenge, 0, browser.StateVisible) {
		m.logger.Debug("launch control present",
			slog.String("url", url),
			slog.Bool("on_instructions", m.onInstructions(url)),
		)
		return nil
	}

	m.in.Snapshot(page, "session_invalid")
	return fmt.Errorf("%w: url %s without launch control", ErrSessionRejected, url)
}

// place moves the page onto the instructions path unless it is already on the
// instructions or challenge path. A page that cannot navigate is replaced once.
func (m *Manager) place(auth *Authenticated) error {
	target := m.cfg.InstructionsPageURL()

	if auth.Page == nil || auth.Page.IsClosed() {
		page, err := auth.Context.NewPage()
		if err != nil {
			return fmt.Errorf("open page: %w", err)
		}
		auth.Page = page
	} else if url := auth.Page.URL(); m.onInstructions(url) || m.onChallenge(url) {
		return nil
	}

	err := auth.Page.Goto(target, browser.LoadStateDOMContentLoaded, m.cfg.Timeouts.Long)
	if err == nil {
		return nil
	}

	m.logger.Warn("navigation to instructions failed, replacing page", slog.Any("error", err))
	_ = auth.Page.Close()
	page, perr := auth.Context.NewPage()
	if perr != nil {
		return fmt.Errorf("replace page: %w", perr)
	}
	auth.Page = page
	if err := page.Goto(target, browser.LoadStateDOMContentLoaded, m.cfg.Timeouts.Long); err != nil {
		return fmt.Errorf("navigate to %s: %w", target, err)
	}
	return nil
}

func (m *Manager) persist(bctx browser.Context) {
	state, err := bctx.StorageState()
	if err == nil {
		err = m.store.Write(state)
	}
	if err != nil {
		m.logger.Warn("could not save session", slog.String("file", m.store.Path()), slog.Any("error", err))
		return
	}
	m.logger.Info("session saved", slog.String("file", m.store.Path()))
}

func (m *Manager) invalidate() {
	if err := m.store.Delete(); err != nil {
		m.logger.Warn("could not remove session file", slog.String("file", m.store.Path()), slog.Any("error", err))
		return
	}
	m.logger.Info("removed session file", slog.String("file", m.store.Path()))
}

func (m *Manager) onInstructions(url string) bool {
	return strings.Contains(url, m.cfg.InstructionsURL)
}

func (m *Manager) onChallenge(url string) bool {
	return strings.Contains(url, m.cfg.ChallengeURL)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
