package retailers

import (
	"fmt"
	"net/url"
	"strings"
)

// searchPage is the Leclerc drive search endpoint appended to store URLs
const searchPage = "recherche.aspx"

// searchParam carries the query text on the search page
const searchParam = "TexteRecherche"

// MakeSearchURL turns a store landing URL into the search URL for a query.
// Store URLs come in three shapes: a store page ending in .aspx, a store root
// with a trailing slash, and a URL already pointing at the search page with
// an existing query string. Existing query parameters other than the search
// text are preserved.
func MakeSearchURL(storeURL, query string) (string, error) {
	cleaned := strings.TrimSpace(storeURL)
	if cleaned == "" {
		return "", fmt.Errorf("store URL is required")
	}

	parsed, err := url.Parse(cleaned)
	if err != nil {
		return "", fmt.Errorf("invalid store URL %s: %w", storeURL, err)
	}

	path := parsed.Path
	switch {
	case strings.Contains(path, "/"+searchPage):
		// Already the search page, keep the path as-is.
	case strings.HasSuffix(path, ".aspx"):
		path = strings.TrimSuffix(path, ".aspx") + "/" + searchPage
	case strings.HasSuffix(path, "/"):
		path = path + searchPage
	default:
		path = path + "/" + searchPage
	}
	parsed.Path = path

	params := parsed.Query()
	params.Set(searchParam, query)
	parsed.RawQuery = params.Encode()

	return parsed.String(), nil
}
