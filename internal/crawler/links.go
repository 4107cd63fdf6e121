package crawler

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DiscoverLinks extracts every http(s) hyperlink from an HTML document,
// resolved against baseURL and stripped of fragments, mirroring
// original_source's LinkDiscoverer::extract_links (base.join + fragment
// scheme filtering) but using goquery's CSS selection instead of the
// scraper crate.
func DiscoverLinks(htmlBody []byte, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(htmlBody)))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}

		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		clean := resolved.String()

		if _, dup := seen[clean]; dup {
			return
		}
		seen[clean] = struct{}{}
		links = append(links, clean)
	})

	return links, nil
}

// FilterLinks keeps only links matching at least one include pattern (or
// all, if include is empty) and none of the exclude patterns. A pattern
// is tried as a regular expression first and falls back to a plain
// substring match if it fails to compile, mirroring original_source's
// should_crawl (Regex::new(pattern), "simple string contains fallback"
// on error).
func FilterLinks(links []string, include, exclude []string) []string {
	var out []string
	for _, link := range links {
		if len(include) > 0 && !anyMatches(include, link) {
			continue
		}
		if anyMatches(exclude, link) {
			continue
		}
		out = append(out, link)
	}
	return out
}

func anyMatches(patterns []string, s string) bool {
	for _, p := range patterns {
		if matchesPattern(p, s) {
			return true
		}
	}
	return false
}

func matchesPattern(pattern, s string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return strings.Contains(s, pattern)
	}
	return re.MatchString(s)
}
