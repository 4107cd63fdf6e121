// Package extract pulls structured fields out of a scraped page using
// the CSS-selector/regex rules carried in domain.ExtractionRule. Adapted
// from original_source's ExtractionService::extract, dropping the
// Rust version's LLM-backed extraction path (this spec carries no LLM
// service) and keeping the traditional selector/regex path.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kirky-x/crawlrs/internal/domain"
	"github.com/kirky-x/crawlrs/internal/worker"
)

// Extractor implements worker.Extractor.
type Extractor struct{}

var _ worker.Extractor = (*Extractor)(nil)

// New builds a stateless Extractor.
func New() *Extractor { return &Extractor{} }

// Extract applies each rule to content in turn. A rule with a Selector
// runs it against the parsed document and joins matched elements' text
// with a newline, mirroring the Rust version's
// `element.text().collect().join(" ")`. A rule with a Regex (selector or
// not) applies it to the selected text (or the raw content when no
// selector is set) and keeps the first capture group, or the whole
// match when the pattern has no groups. A field absent from content
// resolves to nil, matching the original's Value::Null fallback.
func (e *Extractor) Extract(content []byte, rules []domain.ExtractionRule) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(rules))

	var doc *goquery.Document
	if needsDocument(rules) {
		var err error
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(string(content)))
		if err != nil {
			return nil, fmt.Errorf("extract: parse document: %w", err)
		}
	}

	for _, rule := range rules {
		if rule.Field == "" {
			continue
		}

		text := string(content)
		if rule.Selector != "" {
			sel := doc.Find(rule.Selector)
			if sel.Length() == 0 {
				result[rule.Field] = nil
				continue
			}
			var parts []string
			sel.Each(func(_ int, s *goquery.Selection) {
				if t := strings.TrimSpace(s.Text()); t != "" {
					parts = append(parts, t)
				}
			})
			text = strings.Join(parts, "\n")
		}

		if rule.Regex != "" {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				result[rule.Field] = nil
				continue
			}
			match := re.FindStringSubmatch(text)
			switch {
			case match == nil:
				result[rule.Field] = nil
			case len(match) > 1:
				result[rule.Field] = match[1]
			default:
				result[rule.Field] = match[0]
			}
			continue
		}

		if text == "" {
			result[rule.Field] = nil
			continue
		}
		result[rule.Field] = text
	}

	return result, nil
}

func needsDocument(rules []domain.ExtractionRule) bool {
	for _, r := range rules {
		if r.Selector != "" {
			return true
		}
	}
	return false
}
