package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-inventory/config"
	"github.com/aluiziolira/go-scrape-inventory/models"
	"github.com/aluiziolira/go-scrape-inventory/parser"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter persists snapshots of the record set. Every Write receives all
// records gathered so far and replaces the previous snapshot.
type OutputWriter interface {
	Write(products []*models.Product) error
	Close() error
	Validate() error
}

// Pipeline accumulates extracted records, counts validation issues and writes
// a checkpoint snapshot every cfg.CheckpointEvery records.
type Pipeline struct {
	writer       OutputWriter
	every        int
	logger       *slog.Logger
	onCheckpoint func(records int)

	mu      sync.Mutex // guards records/seen/closed
	records []*models.Product
	seen    map[string]struct{}
	closed  bool

	metrics metrics

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline writing through writer.
func NewPipeline(writer OutputWriter, cfg *config.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	every := cfg.CheckpointEvery
	if every <= 0 {
		every = 100
	}
	return &Pipeline{
		writer:   writer,
		every:    every,
		logger:   logger.With(slog.String("component", "pipeline")),
		seen:     make(map[string]struct{}),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// OnCheckpoint registers fn to run after every successful checkpoint write.
func (p *Pipeline) OnCheckpoint(fn func(records int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCheckpoint = fn
}

// Process appends products to the record set. A failed checkpoint write is
// logged and does not fail the call.
func (p *Pipeline) Process(products ...*models.Product) error {
	if len(products) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}

	for _, product := range products {
		if product == nil {
			continue
		}
		if !p.prepare(product) {
			continue
		}
		p.records = append(p.records, product)
		p.metrics.incrementProcessed()

		if len(p.records)%p.every == 0 {
			p.checkpoint()
		}
	}
	return nil
}

// Records returns a copy of the record set.
func (p *Pipeline) Records() []*models.Product {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Product(nil), p.records...)
}

// Close writes the final snapshot, closes the writer and prevents more
// submissions. An empty pipeline writes nothing.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	snapshot := append([]*models.Product(nil), p.records...)
	p.mu.Unlock()

	p.signalShutdown()

	var errs []error
	if len(snapshot) > 0 {
		if err := p.writer.Write(snapshot); err != nil {
			errs = append(errs, fmt.Errorf("write final snapshot: %w", err))
		} else {
			p.logger.Info("records saved", slog.Int("records", len(snapshot)))
		}
	} else {
		p.logger.Warn("no records to save")
	}
	if err := p.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_products"].(int64)
				checkpoints := metrics["checkpoints"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				p.logger.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int64("checkpoints", checkpoints),
					slog.Int("validation_error_kinds", len(validation)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

// prepare trims the record and counts validation issues. It reports false for
// a stable ID already recorded; invalid records are kept.
func (p *Pipeline) prepare(product *models.Product) bool {
	if product.HasStableID() {
		if _, ok := p.seen[product.ID]; ok {
			p.metrics.addValidation("duplicate_id")
			return false
		}
		p.seen[product.ID] = struct{}{}
	}

	product.Name = strings.TrimSpace(product.Name)
	product.ID = strings.TrimSpace(product.ID)
	product.Category = strings.TrimSpace(product.Category)
	product.LastUpdated = strings.TrimSpace(product.LastUpdated)
	for k, v := range product.Details {
		product.Details[k] = strings.TrimSpace(v)
	}

	if err := parser.ValidateProduct(product); err != nil {
		p.metrics.addValidation("incomplete_record")
	}
	return true
}

// checkpoint writes the current record set. Callers hold p.mu.
func (p *Pipeline) checkpoint() {
	snapshot := append([]*models.Product(nil), p.records...)
	if err := p.writer.Write(snapshot); err != nil {
		p.metrics.addValidation("checkpoint_failed")
		p.logger.Warn("checkpoint write failed", slog.Int("records", len(snapshot)), slog.Any("error", err))
		return
	}
	p.metrics.incrementCheckpoints()
	p.logger.Info("checkpoint saved", slog.Int("records", len(snapshot)))
	if p.onCheckpoint != nil {
		p.onCheckpoint(len(snapshot))
	}
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu          sync.Mutex
	processed   int64
	checkpoints int64
	validation  map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) incrementCheckpoints() {
	m.mu.Lock()
	m.checkpoints++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_products": m.processed,
		"checkpoints":        m.checkpoints,
		"validation_errors":  copyValidation,
	}
}
