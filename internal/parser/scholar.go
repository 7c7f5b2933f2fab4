// Package parser extracts papers from Google Scholar cited-by listings.
package parser

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/cite-weaver/internal/storage"
)

// DefaultBase resolves relative links when the page URL is unusable.
const DefaultBase = "https://scholar.google.com"

var (
	yearPattern    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	citedByPattern = regexp.MustCompile(`Cited by (\d+)`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// Scholar parses Scholar result pages. The zero value is ready to use.
type Scholar struct {
	Log *logrus.Entry
}

// Extract parses a listing. It never panics: malformed input yields
// placeholder fields and sets Degraded.
func (s Scholar) Extract(content []byte, pageURL string) (listing storage.Listing) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Warnf("Recovered from parser panic on %s: %v", pageURL, r)
			listing = storage.Listing{Degraded: true}
		}
	}()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		s.logger().Warnf("Failed to parse listing %s: %v", pageURL, err)
		return storage.Listing{Degraded: true}
	}

	base := baseURL(pageURL)

	if header := doc.Find("#gs_res_ccl_top a").First(); header.Length() > 0 {
		if title := clean(header.Text()); title != "" {
			listing.Page = &storage.Paper{Title: title, URL: resolve(base, header.AttrOr("href", ""))}
		}
	}

	doc.Find("div.gs_r").Each(func(_ int, sel *goquery.Selection) {
		// Skip wrappers around nested results and empty ad slots
		if sel.Find("div.gs_r").Length() > 0 {
			return
		}
		paper, ok := parseEntry(sel, base)
		if !ok {
			listing.Degraded = true
		}
		listing.Entries = append(listing.Entries, paper)
	})

	return listing
}

func (s Scholar) logger() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "parser")
}

// parseEntry extracts one result. ok is false when the title is missing.
func parseEntry(sel *goquery.Selection, base *url.URL) (storage.Paper, bool) {
	paper := storage.Paper{Title: storage.UnknownTitle}
	ok := true

	titleSel := sel.Find("h3.gs_rt").First()
	if title := clean(stripTags(titleSel)); title != "" {
		paper.Title = title
	} else {
		ok = false
	}
	if href, exists := titleSel.Find("a").First().Attr("href"); exists {
		paper.URL = resolve(base, href)
	}

	authorsLine := clean(sel.Find("div.gs_a").First().Text())
	if year := yearPattern.FindString(authorsLine); year != "" {
		paper.Year = year
		paper.Authors = strings.Trim(strings.SplitN(authorsLine, year, 2)[0], " -, ")
	} else {
		paper.Authors = authorsLine
	}

	sel.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		m := citedByPattern.FindStringSubmatch(clean(a.Text()))
		if m == nil {
			return true
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			paper.CitationCount = n
		}
		paper.CitedByURL = resolve(base, a.AttrOr("href", ""))
		return false
	})

	paper.Abstract = clean(sel.Find(".gs_rs").First().Text())
	return paper, ok
}

// stripTags drops the [PDF]/[HTML] format badges Scholar prefixes to titles.
func stripTags(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find(".gs_ctc, .gs_ctu, .gs_ct1, .gs_ct2").Remove()
	return clone.Text()
}

func clean(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func baseURL(pageURL string) *url.URL {
	if u, err := url.Parse(pageURL); err == nil && u.Scheme != "" && u.Host != "" {
		return u
	}
	u, _ := url.Parse(DefaultBase)
	return u
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
