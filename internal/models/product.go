package models

// Product is one extracted product tile from a retailer search page
type Product struct {
	Name       string                 `json:"name"`
	Price      string                 `json:"price,omitempty"`
	UnitPrice  string                 `json:"unit_price,omitempty"`
	ImageURL   string                 `json:"image_url,omitempty"`
	ProductURL string                 `json:"product_url,omitempty"`
	Raw        map[string]interface{} `json:"raw,omitempty"` // Retailer-specific extras
}

// SearchResult is the output of one extraction attempt against a live page
type SearchResult struct {
	Items []Product              `json:"items"`
	Debug map[string]interface{} `json:"debug,omitempty"` // Final URL, title, timing
}
