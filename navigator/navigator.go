// Package navigator drives an authenticated page from the instructions or
// challenge page to the product inventory listing.
package navigator

import (
	"context"
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

var tracer = otel.Tracer("github.com/aluiziolira/go-scrape-inventory/navigator")

// Navigator walks the fixed, forward-only challenge flow. It never retries a
// step; the only fallbacks are the alternate confirmation signals after launch.
type Navigator struct {
	cfg    *config.Config
	in     *browser.Interactor
	logger *slog.Logger
}

// New builds a Navigator.
func New(cfg *config.Config, in *browser.Interactor, logger *slog.Logger) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{
		cfg:    cfg,
		in:     in,
		logger: logger.With(slog.String("component", "navigator")),
	}
}

// Navigate drives page to the inventory listing and returns the last stage
// reached. On failure the error is a *StepError.
func (n *Navigator) Navigate(ctx context.Context, page browser.Page) (models.Stage, error) {
	ctx, span := tracer.Start(ctx, "navigator.Navigate",
		trace.WithAttributes(attribute.String("start_url", page.URL())),
	)
	defer span.End()

	stage, err := n.navigate(ctx, page)
	span.SetAttributes(attribute.String("stage", stage.String()))
	if err != nil {
		n.logger.Error("challenge navigation failed",
			slog.String("stage", stage.String()),
			slog.String("url", page.URL()),
			slog.Any("error", err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stage, err
	}
	n.logger.Info("inventory listing ready", slog.String("stage", stage.String()))
	return stage, nil
}

func (n *Navigator) navigate(ctx context.Context, page browser.Page) (models.Stage, error) {
	sel := n.cfg.Selectors
	stage := models.StageAuthenticated
	fail := func(step string, err error) (models.Stage, error) {
		return stage, &StepError{Stage: stage, Step: step, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("entry", err)
	}

	url := page.URL()
	n.logger.Info("starting challenge flow", slog.String("url", url))
	switch {
	case n.onInstructions(url):
		if err := n.launch(ctx, page); err != nil {
			return fail("launch", err)
		}
	case n.onChallenge(url):
		n.logger.Info("already on challenge page, skipping launch")
	default:
		if !n.in.AwaitElement(page, sel.LaunchChallenge, n.cfg.Timeouts.Short, browser.StateVisible) {
			n.in.Snapshot(page, "wrong_page_start_challenge_flow")
			return fail("entry", fmt.Errorf("%w: url %s", ErrNoEntryPoint, url))
		}
		n.logger.Info("launch control found on unexpected page", slog.String("url", url))
		if err := n.launch(ctx, page); err != nil {
			return fail("launch", err)
		}
	}

	if !n.onChallenge(page.URL()) {
		if err := page.WaitForURL(n.cfg.ChallengeURL, n.cfg.Timeouts.Short); err != nil {
			n.in.Snapshot(page, "not_on_challenge_page_final")
			return fail("confirm_challenge", fmt.Errorf("%w: %w", ErrNotOnChallenge, err))
		}
	}
	stage = models.StageChallengeEntry
	n.logger.Info("confirmed on challenge page", slog.String("url", page.URL()))

	if err := n.step(ctx, page, sel.StartJourney, "Start Journey"); err != nil {
		return fail("start_journey", err)
	}
	stage = models.StageJourneyStarted

	if err := n.step(ctx, page, sel.ContinueSearch, "Continue Search"); err != nil {
		return fail("continue_search", err)
	}
	stage = models.StageSearchContinued

	if err := n.step(ctx, page, sel.InventoryButton, "Inventory Section Button"); err != nil {
		return fail("inventory", err)
	}

	if err := n.verifyInventory(ctx, page); err != nil {
		return fail("verify_inventory", err)
	}
	return models.StageInventory, nil
}

// launch clicks the launch control and accepts either the challenge URL or
// the start-journey control as proof that the challenge opened.
func (n *Navigator) launch(ctx context.Context, page browser.Page) error {
	if !n.in.ClickElement(ctx, page, n.cfg.Selectors.LaunchChallenge, "Launch Challenge", 0) {
		return ErrLaunchFailed
	}

	err := page.WaitForURL(n.cfg.ChallengeURL, n.cfg.Timeouts.Long)
	if err == nil {
		return nil
	}
	if !browser.IsTimeout(err) {
		n.in.Snapshot(page, "challenge_flow_driver_error")
		return fmt.Errorf("wait for challenge url: %w", err)
	}

	n.logger.Warn("challenge url did not load after launch", slog.String("url", page.URL()))
	if n.onChallenge(page.URL()) {
		return nil
	}
	if n.in.AwaitElement(page, n.cfg.Selectors.StartJourney, 0, browser.StateVisible) {
		n.logger.Info("start journey control present despite url timeout")
		return nil
	}
	n.in.Snapshot(page, "failed_navigate_post_launch")
	return fmt.Errorf("%w: url %s after launch", ErrNotOnChallenge, page.URL())
}

func (n *Navigator) step(ctx context.Context, page browser.Page, selector, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.in.AwaitElement(page, selector, 0, browser.StateVisible) {
		n.in.Snapshot(page, "failed_find_"+description)
		return fmt.Errorf("%w: %s not found", ErrStepFailed, description)
	}
	if !n.in.ClickElement(ctx, page, selector, description, 0) {
		return fmt.Errorf("%w: %s click failed", ErrStepFailed, description)
	}
	return nil
}

func (n *Navigator) verifyInventory(ctx context.Context, page browser.Page) error {
	if err := browser.Settle(ctx, n.cfg.Delays.InventorySettle); err != nil {
		return err
	}

	if err := page.WaitForLoadState(browser.LoadStateNetworkIdle, n.cfg.Timeouts.Long); err != nil {
		if browser.IsClosed(err) {
			return fmt.Errorf("wait for inventory: %w", err)
		}
		n.logger.Warn("network did not go idle after inventory click", slog.Any("error", err))
	}
	n.in.Snapshot(page, "after_inventory_click")

	card := page.Locator(n.cfg.Selectors.ProductCard).First()
	if err := card.WaitFor(browser.StateVisible, n.cfg.Timeouts.Long); err != nil {
		n.in.Snapshot(page, "no_product_cards")
		return fmt.Errorf("%w: %w", ErrNoProductCards, err)
	}
	n.in.Snapshot(page, "product_card_visible")
	return nil
}

func (n *Navigator) onInstructions(url string) bool {
	return strings.Contains(url, n.cfg.InstructionsURL)
}

func (n *Navigator) onChallenge(url string) bool {
	return strings.Contains(url, n.cfg.ChallengeURL)
}
