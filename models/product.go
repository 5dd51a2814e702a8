// Package models defines data structures for the scraper.
package models

import (
	"encoding/json"
	"time"
)

// Unknown is the sentinel for a mandatory field that could not be extracted.
const Unknown = "Unknown"

// Record keys for the first-class and footer fields.
const (
	KeyName        = "name"
	KeyID          = "id"
	KeyCategory    = "category"
	KeyLastUpdated = "footer_last_updated"
)

// Product is one card scraped from the inventory listing. Name, ID and
// Category are always set (possibly to Unknown); Details holds whatever
// label/value pairs the card rendered.
type Product struct {
	Name        string
	ID          string
	Category    string
	Details     map[string]string
	LastUpdated string
}

// NewProduct returns a product with every mandatory field set to Unknown.
func NewProduct() *Product {
	return &Product{
		Name:     Unknown,
		ID:       Unknown,
		Category: Unknown,
		Details:  make(map[string]string),
	}
}

// HasStableID reports whether the product carries an identifier usable as a key.
func (p *Product) HasStableID() bool {
	return p != nil && p.ID != "" && p.ID != Unknown
}

// Record flattens the product into the string map written to output files.
// First-class fields take precedence over detail labels with the same key.
func (p *Product) Record() map[string]string {
	out := make(map[string]string, len(p.Details)+4)
	for k, v := range p.Details {
		out[k] = v
	}
	if p.LastUpdated != "" {
		out[KeyLastUpdated] = p.LastUpdated
	}
	out[KeyName] = p.Name
	out[KeyID] = p.ID
	out[KeyCategory] = p.Category
	return out
}

// MarshalJSON encodes the product as a flat object of strings.
func (p *Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Record())
}

// UnmarshalJSON decodes a flat record back into a product.
func (p *Product) UnmarshalJSON(data []byte) error {
	var record map[string]string
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}
	*p = *NewProduct()
	for k, v := range record {
		switch k {
		case KeyName:
			p.Name = v
		case KeyID:
			p.ID = v
		case KeyCategory:
			p.Category = v
		case KeyLastUpdated:
			p.LastUpdated = v
		default:
			p.Details[k] = v
		}
	}
	return nil
}

// ScrapeResult holds the overall result of an extraction run.
type ScrapeResult struct {
	Products          []*Product
	StartTime         time.Time
	EndTime           time.Time
	Batches           int
	PaginationFound   bool
	CardErrors        int
	FieldErrors       map[string]int
	ContinuationsUsed map[string]int
	Reason            StopReason
	// Err is set when the run ended early; Products still holds the partial set.
	Err error
}

// StopReason says why the extraction loop ended.
type StopReason string

const (
	StopNoCards     StopReason = "no_cards"
	StopNoNewCards  StopReason = "no_new_cards"
	StopExhausted   StopReason = "exhausted"
	StopCeiling     StopReason = "ceiling"
	StopCancelled   StopReason = "cancelled"
	StopDriverError StopReason = "driver_error"
)
