package prerender

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FindRoutes returns the path-absolute href of every anchor in html, in
// document order. Query strings and fragments are dropped so the result can
// be used as an output path; duplicates are kept. External, relative,
// protocol-relative and fragment-only links are skipped.
func FindRoutes(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var routes []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if route, ok := routeFromHref(href); ok {
			routes = append(routes, route)
		}
	})
	return routes
}

func routeFromHref(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if !strings.HasPrefix(href, "/") || strings.HasPrefix(href, "//") {
		return "", false
	}
	if idx := strings.IndexAny(href, "?#"); idx >= 0 {
		href = href[:idx]
	}
	return href, href != ""
}
