package scraper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-inventory/models"
)

// seenCards remembers which cards were already recorded. Cards with a stable
// ID are keyed by it; cards without one are keyed by a hash of their content.
// After a scroll, ID-less cards rendered before the scroll are also skipped by
// position, which assumes scroll-loaded content only appends.
type seenCards struct {
	keys      *lru.Cache[string, struct{}]
	watermark int
}

func newSeenCards(maxSize int) (*seenCards, error) {
	cache, err := lru.New[string, struct{}](maxSize)
	if err != nil {
		return nil, fmt.Errorf("create seen-card cache: %w", err)
	}
	return &seenCards{keys: cache}, nil
}

// markNew reports whether p, rendered at index, has not been recorded yet,
// remembering it when it is new.
func (s *seenCards) markNew(p *models.Product, index int) bool {
	if !p.HasStableID() && index < s.watermark {
		return false
	}
	found, _ := s.keys.ContainsOrAdd(cardKey(p), struct{}{})
	return !found
}

// afterScroll moves the positional watermark past the cards rendered before
// the scroll.
func (s *seenCards) afterScroll(previousCount int) {
	s.watermark = previousCount
}

// afterPagination resets the watermark; a new page replaces the content.
func (s *seenCards) afterPagination() {
	s.watermark = 0
}

func (s *seenCards) size() int {
	return s.keys.Len()
}

// cardKey is "id:<ID>" for cards with a stable ID and "content:<hash>" of the
// flattened record otherwise.
func cardKey(p *models.Product) string {
	if p.HasStableID() {
		return "id:" + p.ID
	}

	record := p.Record()
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(record[k])
		b.WriteByte(0)
	}
	return "content:" + strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}
