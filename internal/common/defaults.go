// Package common provides shared utilities and default configuration.
package common

// DefaultKVValue represents a default key/value pair that is seeded on startup.
type DefaultKVValue struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description"`
}

// GetDefaultKVValues returns the list of default KV values seeded on startup.
// This is the single source of truth for default values.
func GetDefaultKVValues() []DefaultKVValue {
	return []DefaultKVValue{
		{
			Key:         "operator_active",
			Value:       "0",
			Description: "Operator UI presence flag",
		},
		{
			Key:         "store_url",
			Value:       "https://fd12-courses.leclercdrive.fr/magasin-173301-173301-Pont-l-Abbe.aspx",
			Description: "Fallback drive store URL when the catalog has none",
		},
	}
}
