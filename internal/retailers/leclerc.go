package retailers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/mercor/internal/models"
)

// Leclerc drive search-result selectors. The WCRS310 prefix is the drive
// storefront's product-tile component; the fallback covers the storefront
// revisions that dropped it.
const (
	leclercTileSelector     = "li[class*='WCRS310_Product'], li[class*='product-item']"
	leclercNameSelector     = "[class*='Desc'], [class*='Libelle'], .product-name"
	leclercPriceSelector    = "[class*='PrixUnitaire'], [class*='Prix'], .product-price"
	leclercUnitSelector     = "[class*='PrixRapporte'], .product-unit-price"
	leclercImageSelector    = "img"
	leclercLinkSelector     = "a[href]"
)

// LeclercStrategy extracts products from a Leclerc drive storefront
type LeclercStrategy struct {
	storeURL string
	logger   arbor.ILogger
}

// NewLeclercStrategy creates the strategy for one store
func NewLeclercStrategy(storeURL string, logger arbor.ILogger) *LeclercStrategy {
	return &LeclercStrategy{
		storeURL: storeURL,
		logger:   logger,
	}
}

// Name returns the retailer name
func (s *LeclercStrategy) Name() string {
	return "leclerc"
}

// Search navigates the shared page to the store's search URL and extracts
// product tiles. The caller classifies the returned snapshot before trusting
// the items: a challenge interstitial renders zero tiles, not an error.
func (s *LeclercStrategy) Search(ctx context.Context, page Page, query string) (*Outcome, error) {
	searchURL, err := MakeSearchURL(s.storeURL, query)
	if err != nil {
		return nil, err
	}

	snapshot, err := page.Navigate(ctx, searchURL)
	if err != nil {
		return nil, err
	}

	items, err := s.extractProducts(snapshot.HTML, snapshot.URL)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("query", query).
		Int("items", len(items)).
		Str("final_url", snapshot.URL).
		Msg("Leclerc search extracted")

	return &Outcome{
		Page: snapshot,
		Result: &models.SearchResult{
			Items: items,
			Debug: map[string]interface{}{
				"search_url": searchURL,
				"final_url":  snapshot.URL,
				"title":      snapshot.Title,
			},
		},
	}, nil
}

// extractProducts parses product tiles out of a rendered search page
func (s *LeclercStrategy) extractProducts(html, pageURL string) ([]models.Product, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search page: %w", err)
	}

	base, _ := url.Parse(pageURL)

	items := []models.Product{}
	doc.Find(leclercTileSelector).Each(func(_ int, tile *goquery.Selection) {
		name := cleanText(tile.Find(leclercNameSelector).First().Text())
		if name == "" {
			return
		}

		product := models.Product{
			Name:      name,
			Price:     cleanText(tile.Find(leclercPriceSelector).First().Text()),
			UnitPrice: cleanText(tile.Find(leclercUnitSelector).First().Text()),
		}

		if src, ok := tile.Find(leclercImageSelector).First().Attr("src"); ok {
			product.ImageURL = absoluteURL(base, src)
		}
		if href, ok := tile.Find(leclercLinkSelector).First().Attr("href"); ok {
			product.ProductURL = absoluteURL(base, href)
		}

		items = append(items, product)
	})

	return items, nil
}

// cleanText collapses whitespace runs left behind by nested markup
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// absoluteURL resolves a possibly-relative href against the page URL
func absoluteURL(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
