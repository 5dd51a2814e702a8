// Package scraper extracts product records from the inventory listing,
// following pagination or infinite scroll until no new cards appear.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aluiziolira/go-scrape-inventory/browser"
	"github.com/aluiziolira/go-scrape-inventory/config"
	"github.com/aluiziolira/go-scrape-inventory/models"
	"github.com/aluiziolira/go-scrape-inventory/parser"
)

const (
	continuationPagination = "pagination"
	continuationScroll     = "scroll"

	scrollScript = `window.scrollTo({ top: document.body.scrollHeight, behavior: 'smooth' });`
)

var tracer = otel.Tracer("github.com/aluiziolira/go-scrape-inventory/scraper")

// Sink receives every record as soon as it is extracted.
type Sink interface {
	Process(products ...*models.Product) error
}

// Scraper is the extraction engine. A Scraper drives one page at a time.
type Scraper struct {
	cfg     *config.Config
	in      *browser.Interactor
	sink    Sink
	Metrics *Metrics
	logger  *slog.Logger
}

// New builds a Scraper. sink and metrics may be nil.
func New(cfg *config.Config, in *browser.Interactor, sink Sink, metrics *Metrics, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{
		cfg:     cfg,
		in:      in,
		sink:    sink,
		Metrics: metrics,
		logger:  logger.With(slog.String("component", "scraper"), slog.String("stage", models.StageInventory.String())),
	}
}

// Scrape extracts every reachable card from page. It never returns nil and
// always carries the records gathered so far; result.Err is set when the run
// ended on a cancellation, a driver fault or a panic.
func (s *Scraper) Scrape(ctx context.Context, page browser.Page) *models.ScrapeResult {
	ctx, span := tracer.Start(ctx, "scraper.Scrape")
	defer span.End()

	result := &models.ScrapeResult{
		StartTime:         time.Now(),
		FieldErrors:       make(map[string]int),
		ContinuationsUsed: make(map[string]int),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Reason = models.StopDriverError
				result.Err = fmt.Errorf("extraction panic: %v", r)
			}
		}()
		s.extract(ctx, page, result)
	}()
	result.EndTime = time.Now()

	span.SetAttributes(
		attribute.Int("products", len(result.Products)),
		attribute.Int("batches", result.Batches),
		attribute.String("stop_reason", string(result.Reason)),
	)
	if result.Err != nil {
		s.in.Snapshot(page, "scrape_error")
		s.Metrics.IncError(errorTypeLabel(result.Err))
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		s.logger.Error("extraction ended early",
			slog.Int("products", len(result.Products)),
			slog.String("reason", string(result.Reason)),
			slog.Any("error", result.Err),
		)
	} else {
		s.logger.Info("extraction finished",
			slog.Int("products", len(result.Products)),
			slog.Int("batches", result.Batches),
			slog.String("reason", string(result.Reason)),
		)
	}
	s.Metrics.ObserveStage("extraction", result.EndTime.Sub(result.StartTime))
	return result
}

func (s *Scraper) extract(ctx context.Context, page browser.Page, result *models.ScrapeResult) {
	cfg := s.cfg
	stop := func(reason models.StopReason, err error) {
		if isCancellation(err) {
			reason = models.StopCancelled
		}
		result.Reason = reason
		result.Err = err
	}

	seen, err := newSeenCards(cfg.DedupeMaxSize)
	if err != nil {
		stop(models.StopDriverError, err)
		return
	}

	if err := page.WaitForLoadState(browser.LoadStateNetworkIdle, cfg.Timeouts.Default); err != nil {
		if browser.IsClosed(err) {
			stop(models.StopDriverError, err)
			return
		}
		s.logger.Info("network not idle before extraction", slog.Any("error", err))
	}
	if err := browser.Settle(ctx, cfg.Delays.InitialSettle); err != nil {
		stop(models.StopCancelled, err)
		return
	}
	s.in.Snapshot(page, "scrape_initial_state")

	result.PaginationFound = s.count(page, cfg.Selectors.Pagination) > 0
	s.logger.Info("starting extraction", slog.Bool("pagination", result.PaginationFound))

	cards := page.Locator(cfg.Selectors.ProductCard)
	for batch := 1; ; batch++ {
		if batch > cfg.MaxBatches {
			s.logger.Warn("batch ceiling reached", slog.Int("max_batches", cfg.MaxBatches))
			stop(models.StopCeiling, nil)
			return
		}
		if err := ctx.Err(); err != nil {
			stop(models.StopCancelled, err)
			return
		}
		result.Batches = batch
		logger := s.logger.With(slog.Int("batch", batch))

		if !s.in.AwaitElement(page, cfg.Selectors.ProductCard, cfg.Timeouts.Long, browser.StateVisible) {
			if page.IsClosed() {
				stop(models.StopDriverError, browser.ErrClosed{Err: errors.New("page closed while waiting for cards")})
				return
			}
			s.in.Snapshot(page, fmt.Sprintf("no_cards_page_%d", batch))
			stop(models.StopNoCards, nil)
			return
		}
		if err := browser.Settle(ctx, cfg.Delays.RenderSettle); err != nil {
			stop(models.StopCancelled, err)
			return
		}

		count, err := cards.Count()
		if err != nil {
			stop(models.StopDriverError, fmt.Errorf("count cards: %w", err))
			return
		}
		if count == 0 {
			s.in.Snapshot(page, fmt.Sprintf("no_cards_page_%d", batch))
			stop(models.StopNoCards, nil)
			return
		}
		logger.Info("processing batch", slog.Int("cards", count), slog.Int("recorded", len(result.Products)))

		added, err := s.readBatch(ctx, page, cards, count, batch, seen, result)
		s.in.Snapshot(page, fmt.Sprintf("after_page_%d", batch))
		if err != nil {
			stop(models.StopDriverError, err)
			return
		}
		if added == 0 {
			logger.Info("no new cards in batch", slog.Int("known_cards", seen.size()))
			stop(models.StopNoNewCards, nil)
			return
		}

		continuation, grew, err := s.advance(ctx, page, result.PaginationFound, seen)
		result.ContinuationsUsed[continuation]++
		s.Metrics.IncBatch(continuation)
		if err != nil {
			stop(models.StopDriverError, err)
			return
		}
		if !grew {
			logger.Info("no more content to load", slog.String("continuation", continuation))
			stop(models.StopExhausted, nil)
			return
		}
	}
}

// readBatch records every rendered card not seen before and returns how many
// were added. Only a closed page or a cancelled context is returned as an error.
func (s *Scraper) readBatch(ctx context.Context, page browser.Page, cards browser.Locator, count, batch int, seen *seenCards, result *models.ScrapeResult) (int, error) {
	short := s.cfg.Timeouts.Short
	added := 0

	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		card := cards.Nth(i)

		html, err := card.OuterHTML(short)
		if err != nil {
			if browser.IsClosed(err) {
				return added, err
			}
			result.CardErrors++
			s.Metrics.IncError(errorTypeLabel(err))
			s.logger.Warn("card unreadable",
				slog.Int("batch", batch),
				slog.Int("index", i),
				slog.Any("error", err),
			)
			s.in.Snapshot(page, fmt.Sprintf("card_error_page%d_card%d", batch, i+1))
			continue
		}

		product, fieldErrs := parser.ParseCard(html, s.cfg.Selectors.Card)
		if !seen.markNew(product, i) {
			continue
		}
		for _, fe := range fieldErrs {
			result.FieldErrors[fe.Field]++
			s.Metrics.IncFieldError(fe.Field)
			s.logger.Debug("field defaulted", slog.Int("index", i), slog.String("field", fe.Field), slog.Any("error", fe.Err))
		}

		if err := card.ScrollIntoView(short); err != nil {
			s.logger.Debug("could not scroll card into view", slog.Int("index", i), slog.Any("error", err))
		}

		result.Products = append(result.Products, product)
		added++
		s.Metrics.IncCards()
		if s.sink != nil {
			if err := s.sink.Process(product); err != nil {
				s.logger.Warn("sink rejected record", slog.String("id", product.ID), slog.Any("error", err))
			}
		}
	}
	return added, nil
}

// advance loads the next batch, preferring the next-page control when the
// listing is paginated and falling back to scrolling.
func (s *Scraper) advance(ctx context.Context, page browser.Page, paginated bool, seen *seenCards) (string, bool, error) {
	sel := s.cfg.Selectors
	if paginated && s.count(page, sel.NextPage) > 0 {
		err := s.clickNext(page)
		if err == nil {
			seen.afterPagination()
			return continuationPagination, true, nil
		}
		if browser.IsClosed(err) {
			return continuationPagination, false, err
		}
		s.logger.Info("next page failed, falling back to scroll", slog.Any("error", err))
	}

	before, grew, err := s.scroll(ctx, page)
	if err != nil {
		return continuationScroll, false, err
	}
	if grew {
		seen.afterScroll(before)
	}
	return continuationScroll, grew, nil
}

func (s *Scraper) clickNext(page browser.Page) error {
	next := page.Locator(s.cfg.Selectors.NextPage).First()
	if err := next.WaitFor(browser.StateVisible, s.cfg.Timeouts.Short); err != nil {
		return fmt.Errorf("wait for next: %w", err)
	}
	if err := next.Click(2 * s.cfg.Timeouts.Short); err != nil {
		return fmt.Errorf("click next: %w", err)
	}
	if err := page.WaitForLoadState(browser.LoadStateNetworkIdle, s.cfg.Timeouts.Long); err != nil {
		return fmt.Errorf("wait after next: %w", err)
	}
	s.logger.Debug("moved to next page")
	return nil
}

// scroll scrolls to the bottom and reports the card count before scrolling
// and whether the count grew. Driver faults other than a closed page count as
// no growth.
func (s *Scraper) scroll(ctx context.Context, page browser.Page) (int, bool, error) {
	cards := page.Locator(s.cfg.Selectors.ProductCard)
	before, err := cards.Count()
	if err != nil {
		return 0, false, s.scrollFailed(err)
	}
	if _, err := page.Evaluate(scrollScript); err != nil {
		return before, false, s.scrollFailed(err)
	}
	if err := browser.Settle(ctx, s.cfg.Delays.ScrollSettle); err != nil {
		return before, false, err
	}
	after, err := cards.Count()
	if err != nil {
		return before, false, s.scrollFailed(err)
	}
	s.logger.Info("scrolled for more cards", slog.Int("before", before), slog.Int("after", after))
	return before, after > before, nil
}

func (s *Scraper) scrollFailed(err error) error {
	if browser.IsClosed(err) {
		return err
	}
	s.logger.Warn("scroll failed", slog.Any("error", err))
	return nil
}

func (s *Scraper) count(page browser.Page, selector string) int {
	if selector == "" {
		return 0
	}
	n, err := page.Locator(selector).Count()
	if err != nil {
		s.logger.Debug("count failed", slog.String("selector", selector), slog.Any("error", err))
		return 0
	}
	return n
}
