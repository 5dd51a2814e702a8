package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-inventory/config"
)

// Prober checks that the target answers plain HTTP before a browser is
// started, retrying with exponential backoff.
type Prober struct {
	cfg       *config.Config
	collector *colly.Collector
	metrics   *Metrics
	logger    *slog.Logger

	lastStatus int
}

// NewProber builds a Prober for cfg.BaseURL.
func NewProber(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*Prober, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeouts.Default)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeouts.Default,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	p := &Prober{
		cfg:       cfg,
		collector: collector,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "preflight")),
	}
	collector.OnResponse(func(r *colly.Response) {
		p.lastStatus = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			p.lastStatus = r.StatusCode
		}
	})
	return p, nil
}

// Probe fetches the base URL, retrying up to cfg.PreflightRetries times.
func (p *Prober) Probe(ctx context.Context) error {
	target := p.cfg.BaseURL
	attempts := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++
		start := time.Now()
		p.lastStatus = 0
		err := p.collector.Visit(target)
		if err == nil {
			p.logger.Info("target reachable",
				slog.String("url", target),
				slog.Int("status", p.lastStatus),
				slog.Duration("elapsed", time.Since(start)),
			)
			return nil
		}

		classified := classifyError(err, p.lastStatus)
		category := errorTypeLabel(classified)
		p.metrics.IncError(category)
		p.logger.Warn("preflight request failed",
			slog.String("url", target),
			slog.Int("status", p.lastStatus),
			slog.String("category", category),
			slog.Any("error", err),
		)
		return classified
	}
	notify := func(_ error, delay time.Duration) {
		p.metrics.IncPreflightRetries()
		p.logger.Info("retrying preflight", slog.Int("attempt", attempts), slog.Duration("delay", delay))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(p.cfg), uint64(p.cfg.PreflightRetries)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return &ProbeError{URL: target, Attempts: attempts, Err: err}
}

// newBackOff doubles cfg.RetryBackoff per retry without jitter, capped at
// cfg.RetryBackoffMax. The attempt count, not elapsed time, ends the retries.
func newBackOff(cfg *config.Config) *backoff.ExponentialBackOff {
	initial := cfg.RetryBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	ceiling := cfg.RetryBackoffMax
	if ceiling <= 0 {
		ceiling = backoff.DefaultMaxInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
