// Package parser turns the outer HTML of a product card into a models.Product.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-inventory/config"
	"github.com/aluiziolira/go-scrape-inventory/models"
)

const (
	idPrefix      = "ID:"
	footerPrefix  = "Updated:"
	ratingLabel   = "Rating"
	fieldDetails  = "details"
	fieldDocument = "document"
)

var ratingPattern = regexp.MustCompile(`(\d+\.\d+)`)

// FieldError records a field that could not be read from a card.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// ParseCard extracts one product from a card's outer HTML. Missing mandatory
// fields become models.Unknown and are reported as field errors; a missing
// detail or footer is simply omitted.
func ParseCard(outerHTML string, sel config.CardSelectors) (*models.Product, []FieldError) {
	product := models.NewProduct()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(outerHTML))
	if err != nil {
		return product, []FieldError{{Field: fieldDocument, Err: err}}
	}
	root := doc.Find("body").Children().First()
	if root.Length() == 0 {
		return product, []FieldError{{Field: fieldDocument, Err: fmt.Errorf("empty card markup")}}
	}

	e := colly.NewHTMLElementFromSelectionNode(
		&colly.Response{Request: &colly.Request{Ctx: colly.NewContext()}},
		root, root.Get(0), 0,
	)

	var errs []FieldError
	mandatory := func(field, selector string, clean func(string) string) string {
		text, ok := firstText(e.DOM, selector)
		if ok && clean != nil {
			text = clean(text)
		}
		if !ok || text == "" {
			errs = append(errs, FieldError{Field: field, Err: fmt.Errorf("no match for %q", selector)})
			return models.Unknown
		}
		return text
	}

	product.Name = mandatory(models.KeyName, sel.Name, nil)
	product.ID = mandatory(models.KeyID, sel.ID, StripIDPrefix)
	product.Category = mandatory(models.KeyCategory, sel.Category, nil)

	if sel.DetailRows != "" {
		e.ForEach(sel.DetailRows, func(_ int, row *colly.HTMLElement) {
			label, _ := firstText(row.DOM, sel.DetailLabel)
			label = strings.TrimSpace(strings.ReplaceAll(label, ":", ""))
			if label == "" {
				errs = append(errs, FieldError{Field: fieldDetails, Err: fmt.Errorf("detail row without label")})
				return
			}

			valueSel := row.DOM.Find(sel.DetailValue).First()
			value := strings.TrimSpace(valueSel.Text())
			if label == ratingLabel {
				value = ratingValue(valueSel, value, sel.RatingSpan)
			}
			product.Details[NormalizeLabel(label)] = value
		})
	}

	if sel.Footer != "" {
		if footer, ok := firstText(e.DOM, sel.Footer); ok && strings.HasPrefix(footer, footerPrefix) {
			product.LastUpdated = strings.TrimSpace(strings.TrimPrefix(footer, footerPrefix))
		}
	}

	return product, errs
}

func ratingValue(valueSel *goquery.Selection, value, spanSelector string) string {
	if spanSelector != "" {
		if span := valueSel.Find(spanSelector).First(); span.Length() > 0 {
			return strings.TrimSpace(span.Text())
		}
	}
	return ExtractRating(value)
}

func firstText(s *goquery.Selection, selector string) (string, bool) {
	if selector == "" {
		return "", false
	}
	match := s.Find(selector).First()
	if match.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(match.Text()), true
}

// ExtractRating returns the first decimal number in text, or text unchanged
// when it holds none.
func ExtractRating(text string) string {
	text = strings.TrimSpace(text)
	if !strings.ContainsAny(text, "0123456789") {
		return text
	}
	if m := ratingPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// NormalizeLabel converts a detail label into a record key.
func NormalizeLabel(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "(", "")
	return strings.ReplaceAll(key, ")", "")
}

// StripIDPrefix removes the "ID:" marker shown before product identifiers.
func StripIDPrefix(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, idPrefix, ""))
}

// ValidateProduct ensures the scraper captured the mandatory fields.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.Name) == "" || p.Name == models.Unknown {
		return fmt.Errorf("product missing name")
	}
	if !p.HasStableID() {
		return fmt.Errorf("product missing id for %s", p.Name)
	}
	if strings.TrimSpace(p.Category) == "" || p.Category == models.Unknown {
		return fmt.Errorf("product missing category for %s", p.Name)
	}
	return nil
}
