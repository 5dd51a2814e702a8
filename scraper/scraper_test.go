package scraper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aluiziolira/go-scrape-inventory/browser"
	"github.com/aluiziolira/go-scrape-inventory/browser/browsertest"
	"github.com/aluiziolira/go-scrape-inventory/config"
	"github.com/aluiziolira/go-scrape-inventory/models"
	"github.com/aluiziolira/go-scrape-inventory/pipeline"
)

const inventoryURL = "https://inventory.test/challenge"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = "https://inventory.test"
	cfg.DebugDir = t.TempDir()
	cfg.Delays = config.Delays{}
	return cfg
}

func newScraper(cfg *config.Config, sink Sink, metrics *Metrics) *Scraper {
	in := browser.NewInteractor(cfg, nil, metrics, nil)
	return New(cfg, in, sink, metrics, nil)
}

func cardHTML(n int, withID bool) string {
	id := ""
	if withID {
		id = fmt.Sprintf(`<p class="text-xs text-muted-foreground font-mono">ID: %d</p>`, n)
	}
	return fmt.Sprintf(`<div class="rounded-lg border bg-card text-card-foreground shadow-sm">
  <h3>Item %d</h3>%s
  <div class="rounded-full bg-primary">Tools</div>
  <dl><div class="flex items-center justify-between"><dt class="text-muted-foreground">Units:</dt><dd class="font-medium">%d</dd></div></dl>
</div>`, n, id, n*2)
}

func cards(from, to int, withID bool) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, cardHTML(i, withID))
	}
	return out
}

// listingPage renders the first batch of cards without pagination controls.
func listingPage(cfg *config.Config, html []string) *browsertest.Page {
	page := browsertest.NewPage(inventoryURL)
	page.SetHTML(cfg.Selectors.ProductCard, html)
	return page
}

// paginatedPage serves pages of size cards each; the next control disappears
// on the last page.
func paginatedPage(cfg *config.Config, pages, size int) *browsertest.Page {
	sel := cfg.Selectors
	page := listingPage(cfg, cards(0, size, true))
	page.Show(sel.Pagination)
	page.Show(sel.NextPage)

	current := 0
	page.OnClick(sel.NextPage, func(p *browsertest.Page) {
		current++
		p.SetHTML(sel.ProductCard, cards(current*size, (current+1)*size, true))
		if current == pages-1 {
			p.Remove(sel.NextPage)
		}
	})
	return page
}

// growOnScroll appends step cards per scroll until limit is reached.
func growOnScroll(cfg *config.Config, page *browsertest.Page, start, step, limit int, withID bool) {
	rendered := start
	page.OnScroll(func(p *browsertest.Page) {
		if limit > 0 && rendered >= limit {
			return
		}
		rendered += step
		p.SetHTML(cfg.Selectors.ProductCard, cards(0, rendered, withID))
	})
}

type snapshotWriter struct {
	mu    sync.Mutex
	sizes []int
}

func (w *snapshotWriter) Write(products []*models.Product) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sizes = append(w.sizes, len(products))
	return nil
}

func (w *snapshotWriter) Close() error    { return nil }
func (w *snapshotWriter) Validate() error { return nil }

func assertUnique(t *testing.T, products []*models.Product) {
	t.Helper()
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		key := p.ID + "|" + p.Name
		if _, ok := seen[key]; ok {
			t.Fatalf("duplicate record %s", key)
		}
		seen[key] = struct{}{}
	}
}

func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestScrapePaginationWithCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckpointEvery = 100
	writer := &snapshotWriter{}
	sink := pipeline.NewPipeline(writer, cfg, nil)
	metrics := NewMetrics()
	page := paginatedPage(cfg, 5, 50)

	result := newScraper(cfg, sink, metrics).Scrape(context.Background(), page)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Products) != 250 {
		t.Fatalf("products = %d, want 250", len(result.Products))
	}
	assertUnique(t, result.Products)
	if result.Reason != models.StopExhausted {
		t.Fatalf("reason = %s, want exhausted", result.Reason)
	}
	if !result.PaginationFound || result.Batches != 5 {
		t.Fatalf("pagination=%v batches=%d", result.PaginationFound, result.Batches)
	}
	if result.ContinuationsUsed[continuationPagination] != 4 || result.ContinuationsUsed[continuationScroll] != 1 {
		t.Fatalf("continuations = %v", result.ContinuationsUsed)
	}

	if len(writer.sizes) != 2 || writer.sizes[0] != 100 || writer.sizes[1] != 200 {
		t.Fatalf("checkpoint sizes = %v, want [100 200]", writer.sizes)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	if last := writer.sizes[len(writer.sizes)-1]; last != 250 {
		t.Fatalf("final snapshot = %d, want 250", last)
	}

	if got := counterValue(t, metrics, "scraper_cards_extracted_total"); got != 250 {
		t.Fatalf("cards metric = %v", got)
	}
	if got := counterValue(t, metrics, "scraper_batches_total"); got != 5 {
		t.Fatalf("batches metric = %v", got)
	}
}

func TestScrapeRepeatedBatchStops(t *testing.T) {
	cfg := testConfig(t)
	sel := cfg.Selectors
	page := listingPage(cfg, cards(0, 50, true))
	page.Show(sel.Pagination)
	page.Show(sel.NextPage)

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Products) != 50 {
		t.Fatalf("products = %d, want 50", len(result.Products))
	}
	assertUnique(t, result.Products)
	if result.Reason != models.StopNoNewCards || result.Batches != 2 {
		t.Fatalf("reason=%s batches=%d", result.Reason, result.Batches)
	}
}

func TestScrapeRepeatedPageWithoutIDsStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBatches = 10
	sel := cfg.Selectors
	page := listingPage(cfg, cards(0, 5, false))
	page.Show(sel.Pagination)
	page.Show(sel.NextPage)
	page.OnClick(sel.NextPage, func(*browsertest.Page) {})

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Products) != 5 {
		t.Fatalf("products = %d, want 5", len(result.Products))
	}
	assertUnique(t, result.Products)
	if result.Reason != models.StopNoNewCards || result.Batches != 2 {
		t.Fatalf("reason=%s batches=%d", result.Reason, result.Batches)
	}
}

func TestScrapeScrollWithoutIDs(t *testing.T) {
	cfg := testConfig(t)
	page := listingPage(cfg, cards(0, 20, false))
	growOnScroll(cfg, page, 20, 20, 60, false)

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Products) != 60 {
		t.Fatalf("products = %d, want 60", len(result.Products))
	}
	assertUnique(t, result.Products)
	if result.PaginationFound {
		t.Fatalf("pagination should not be detected")
	}
	if result.FieldErrors["id"] != 60 {
		t.Fatalf("id field errors = %d, want 60", result.FieldErrors["id"])
	}
	if result.ContinuationsUsed[continuationScroll] != 3 || page.Scrolls() != 3 {
		t.Fatalf("continuations=%v scrolls=%d", result.ContinuationsUsed, page.Scrolls())
	}
	if result.Reason != models.StopExhausted {
		t.Fatalf("reason = %s", result.Reason)
	}
}

func TestScrapeAllContinuationsFailReturnsRecords(t *testing.T) {
	cfg := testConfig(t)
	sel := cfg.Selectors
	page := listingPage(cfg, cards(0, 50, true))
	page.Show(sel.Pagination)
	page.Set(sel.NextPage, &browsertest.Element{ClickErr: errors.New("element is detached")})

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Err != nil {
		t.Fatalf("failed continuations should not be an error: %v", result.Err)
	}
	if len(result.Products) != 50 {
		t.Fatalf("products = %d, want 50", len(result.Products))
	}
	if result.ContinuationsUsed[continuationScroll] != 1 || page.Scrolls() != 1 {
		t.Fatalf("scroll fallback not used: %v", result.ContinuationsUsed)
	}
	if result.Reason != models.StopExhausted {
		t.Fatalf("reason = %s", result.Reason)
	}
}

func TestScrapeBatchCeiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBatches = 3
	page := listingPage(cfg, cards(0, 10, true))
	growOnScroll(cfg, page, 10, 10, 0, true)

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Reason != models.StopCeiling || result.Err != nil {
		t.Fatalf("reason=%s err=%v", result.Reason, result.Err)
	}
	if len(result.Products) != 30 || result.Batches != 3 {
		t.Fatalf("products=%d batches=%d", len(result.Products), result.Batches)
	}
}

func TestScrapeCardErrorIsIsolated(t *testing.T) {
	cfg := testConfig(t)
	page := browsertest.NewPage(inventoryURL)
	page.Set(cfg.Selectors.ProductCard, &browsertest.Element{
		HTML:    cards(0, 5, true),
		HTMLErr: map[int]error{2: browser.ErrTimeout{Err: errors.New("card detached")}},
	})

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Products) != 4 || result.CardErrors != 1 {
		t.Fatalf("products=%d card errors=%d", len(result.Products), result.CardErrors)
	}

	want := filepath.Join(cfg.DebugDir, "debug_card_error_page1_card3.png")
	found := false
	for _, shot := range page.Screenshots() {
		if shot == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing %s in %v", want, page.Screenshots())
	}
}

func TestScrapeCardWithoutIDIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	page := listingPage(cfg, []string{cardHTML(1, true), cardHTML(2, false)})

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if len(result.Products) != 2 {
		t.Fatalf("products = %d, want 2", len(result.Products))
	}
	if result.Products[1].ID != models.Unknown {
		t.Fatalf("id = %q, want Unknown", result.Products[1].ID)
	}
	if result.Products[1].Details["units"] != "4" {
		t.Fatalf("details = %v", result.Products[1].Details)
	}
	if result.FieldErrors["id"] != 1 {
		t.Fatalf("field errors = %v", result.FieldErrors)
	}
}

func TestScrapeClosedPageKeepsPartialRecords(t *testing.T) {
	cfg := testConfig(t)
	page := browsertest.NewPage(inventoryURL)
	page.Set(cfg.Selectors.ProductCard, &browsertest.Element{
		HTML:    cards(0, 3, true),
		HTMLErr: map[int]error{1: browser.ErrClosed{Err: errors.New("target closed")}},
	})

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Reason != models.StopDriverError {
		t.Fatalf("reason = %s, want driver_error", result.Reason)
	}
	if !browser.IsClosed(result.Err) {
		t.Fatalf("err = %v, want closed", result.Err)
	}
	if len(result.Products) != 1 {
		t.Fatalf("products = %d, want 1", len(result.Products))
	}
}

type panickingSink struct{}

func (panickingSink) Process(...*models.Product) error {
	panic("sink exploded")
}

func TestScrapeRecoversFromPanic(t *testing.T) {
	cfg := testConfig(t)
	page := listingPage(cfg, cards(0, 3, true))

	result := newScraper(cfg, panickingSink{}, nil).Scrape(context.Background(), page)
	if result.Err == nil || result.Reason != models.StopDriverError {
		t.Fatalf("reason=%s err=%v", result.Reason, result.Err)
	}
	if len(result.Products) != 1 {
		t.Fatalf("products = %d, want partial 1", len(result.Products))
	}
	if result.EndTime.IsZero() {
		t.Fatalf("end time not set")
	}
}

func TestScrapeWithoutCards(t *testing.T) {
	cfg := testConfig(t)
	page := browsertest.NewPage(inventoryURL)

	result := newScraper(cfg, nil, nil).Scrape(context.Background(), page)
	if result.Reason != models.StopNoCards || result.Err != nil {
		t.Fatalf("reason=%s err=%v", result.Reason, result.Err)
	}
	if len(result.Products) != 0 {
		t.Fatalf("products = %d", len(result.Products))
	}
	want := filepath.Join(cfg.DebugDir, "debug_no_cards_page_1.png")
	shots := page.Screenshots()
	found := false
	for _, s := range shots {
		if s == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing %s in %v", want, shots)
	}
}

func TestScrapeCancelled(t *testing.T) {
	cfg := testConfig(t)
	page := listingPage(cfg, cards(0, 3, true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	metrics := NewMetrics()
	result := newScraper(cfg, nil, metrics).Scrape(ctx, page)
	if result.Reason != models.StopCancelled {
		t.Fatalf("reason = %s, want cancelled", result.Reason)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("err = %v", result.Err)
	}
	if got := counterValue(t, metrics, "scraper_errors_total"); got != 1 {
		t.Fatalf("errors metric = %v", got)
	}
}

func TestSeenCards(t *testing.T) {
	seen, err := newSeenCards(16)
	if err != nil {
		t.Fatalf("newSeenCards: %v", err)
	}

	product := func(name, id string) *models.Product {
		p := models.NewProduct()
		p.Name = name
		if id != "" {
			p.ID = id
		}
		return p
	}

	if !seen.markNew(product("Drill", "A"), 0) || seen.markNew(product("Drill v2", "A"), 5) {
		t.Fatalf("ID dedupe failed")
	}
	if !seen.markNew(product("Saw", ""), 0) {
		t.Fatalf("first ID-less card should be new")
	}
	if seen.markNew(product("Saw", ""), 3) {
		t.Fatalf("same content without an ID should be known")
	}

	seen.afterScroll(10)
	if seen.markNew(product("Hammer", ""), 9) {
		t.Fatalf("card before the watermark should be skipped")
	}
	if !seen.markNew(product("Wrench", ""), 10) {
		t.Fatalf("card after the watermark should be new")
	}
	if !seen.markNew(product("Level", "B"), 2) {
		t.Fatalf("watermark must not apply to cards with an ID")
	}

	seen.afterPagination()
	if !seen.markNew(product("Pliers", ""), 0) {
		t.Fatalf("pagination should reset the watermark")
	}
	if seen.markNew(product("Wrench", ""), 1) {
		t.Fatalf("content seen on an earlier page should be known")
	}
	if seen.size() != 5 {
		t.Fatalf("size = %d, want 5", seen.size())
	}

	if _, err := newSeenCards(0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}

func TestCardKey(t *testing.T) {
	a := models.NewProduct()
	a.Name = "Saw"
	a.Details["units"] = "4"
	b := models.NewProduct()
	b.Name = "Saw"
	b.Details["units"] = "5"

	if cardKey(a) == cardKey(b) {
		t.Fatalf("cards with different details share key %q", cardKey(a))
	}
	a.ID = "42"
	if got := cardKey(a); got != "id:42" {
		t.Fatalf("cardKey = %q, want id:42", got)
	}
}
