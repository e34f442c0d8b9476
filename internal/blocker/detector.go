package blocker

import (
	"strings"
)

// vendorSignals maps anti-bot vendor tokens to the block reason reported to
// the operator. Tokens are matched case-insensitively against page HTML, the
// final URL and the page title.
var vendorSignals = map[string]string{
	"datadome":         "DATADOME_BLOCKED",
	"captcha-delivery": "DATADOME_BLOCKED", // DataDome challenge frames load from geo.captcha-delivery.com
	"perimeterx":       "PERIMETERX_BLOCKED",
	"cloudflare":       "CLOUDFLARE_BLOCKED",
}

// challengeSignals are generic interstitial phrases. Any single hit marks the
// page blocked; consensus is not required.
var challengeSignals = []string{
	"captcha",
	"access blocked",
	"unusual activity",
	"checking your browser",
	"verify you are human",
	"are you a robot",
	"service indisponible",
}

// IsBlocked reports whether a rendered page is an anti-bot interstitial
// rather than the requested content. Pure function over the page snapshot.
func IsBlocked(html, url, title string) bool {
	_, blocked := Classify(html, url, title)
	return blocked
}

// Classify inspects a rendered page and returns the block reason when it
// looks like an anti-bot interstitial. Vendor tokens win over generic
// challenge phrases so the operator sees which system fired.
func Classify(html, url, title string) (string, bool) {
	haystack := strings.ToLower(html)
	loweredURL := strings.ToLower(url)
	loweredTitle := strings.ToLower(title)

	for token, reason := range vendorSignals {
		if strings.Contains(haystack, token) ||
			strings.Contains(loweredURL, token) ||
			strings.Contains(loweredTitle, token) {
			return reason, true
		}
	}

	for _, signal := range challengeSignals {
		if strings.Contains(haystack, signal) || strings.Contains(loweredTitle, signal) {
			return "CHALLENGE_BLOCKED", true
		}
	}

	return "", false
}
