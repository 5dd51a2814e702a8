package browser

import (
	"context"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-scrape-inventory/config"
)

// Observer receives one event per element interaction. outcome is "ok" or a
// FailureKind label.
type Observer interface {
	ObserveAction(action, outcome string)
}

// Interactor implements the wait and click primitives every other component
// composes. None of its methods return errors: failures become false plus a
// log line and, for clicks, a screenshot.
type Interactor struct {
	cfg      *config.Config
	diag     *Diagnostics
	observer Observer
	logger   *slog.Logger
}

// NewInteractor builds an Interactor. observer may be nil.
func NewInteractor(cfg *config.Config, diag *Diagnostics, observer Observer, logger *slog.Logger) *Interactor {
	if logger == nil {
		logger = slog.Default()
	}
	if diag == nil {
		diag = NewDiagnostics(cfg.DebugDir, logger)
	}
	return &Interactor{
		cfg:      cfg,
		diag:     diag,
		observer: observer,
		logger:   logger.With(slog.String("component", "interactor")),
	}
}

// AwaitElement waits until the first element matching selector reaches state.
// A zero timeout uses the default tier.
func (in *Interactor) AwaitElement(page Page, selector string, timeout time.Duration, state WaitState) bool {
	if timeout <= 0 {
		timeout = in.cfg.Timeouts.Default
	}
	if state == "" {
		state = StateVisible
	}

	in.logger.Debug("waiting for element",
		slog.String("selector", selector),
		slog.String("state", string(state)),
		slog.Duration("timeout", timeout),
	)
	err := page.Locator(selector).First().WaitFor(state, timeout)
	if err != nil {
		in.logger.Info("element not ready",
			slog.String("selector", selector),
			slog.String("state", string(state)),
			slog.String("reason", FailureKind(err)),
			slog.Any("error", err),
		)
		in.observe("wait", FailureKind(err))
		return false
	}
	in.observe("wait", "ok")
	return true
}

// ClickElement waits for visibility, checks the element is enabled and clicks
// it. description names the screenshots captured on success and failure.
func (in *Interactor) ClickElement(ctx context.Context, page Page, selector, description string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = in.cfg.Timeouts.Default
	}
	logger := in.logger.With(slog.String("target", description))
	logger.Debug("clicking element", slog.String("selector", selector))

	element := page.Locator(selector).First()
	if err := element.WaitFor(StateVisible, timeout); err != nil {
		return in.clickFailed(page, logger, description, err)
	}
	if err := Settle(ctx, in.cfg.Delays.ClickSettle); err != nil {
		return in.clickFailed(page, logger, description, err)
	}

	enabled, err := element.IsEnabled(in.cfg.Timeouts.Short)
	if err != nil {
		return in.clickFailed(page, logger, description, err)
	}
	if !enabled {
		return in.clickFailed(page, logger, description, ErrNotEnabled{Selector: selector})
	}

	if err := element.Click(2 * in.cfg.Timeouts.Short); err != nil {
		return in.clickFailed(page, logger, description, err)
	}

	logger.Info("clicked element")
	in.observe("click", "ok")
	in.diag.Capture(page, "after_click_"+description)
	if err := Settle(ctx, in.cfg.Delays.PostClick); err != nil {
		logger.Debug("post-click settle interrupted", slog.Any("error", err))
	}
	return true
}

// Snapshot captures a debug screenshot under name.
func (in *Interactor) Snapshot(page Page, name string) {
	in.diag.Capture(page, name)
}

func (in *Interactor) clickFailed(page Page, logger *slog.Logger, description string, err error) bool {
	kind := FailureKind(err)
	suffix := kind
	switch kind {
	case "closed", "driver":
		suffix = "driver_error"
	case "other", "unknown":
		suffix = "unexpected_error"
	}
	logger.Warn("click failed", slog.String("reason", kind), slog.Any("error", err))
	in.observe("click", kind)
	in.diag.Capture(page, "failed_click_"+description+"_"+suffix)
	return false
}

func (in *Interactor) observe(action, outcome string) {
	if in.observer != nil {
		in.observer.ObserveAction(action, outcome)
	}
}

// Settle sleeps for d unless ctx is cancelled first.
func Settle(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
