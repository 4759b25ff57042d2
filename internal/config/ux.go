package config

import "time"

// UIConfig holds terminal dashboard configuration.
type UIConfig struct {
	// Theme is "light", "dark" or "auto" (detect from the terminal)
	Theme string `yaml:"theme"`

	// RefreshInterval controls how often dashboard panels re-poll the backend
	RefreshInterval string `yaml:"refresh_interval"`

	// ClientPageSize is the number of rows fetched per client list page
	ClientPageSize int `yaml:"client_page_size"`

	// MarkdownWidth is the wrap width for rendered analysis summaries
	MarkdownWidth int `yaml:"markdown_width"`
}

// DefaultUIConfig returns sensible UI defaults.
func DefaultUIConfig() UIConfig {
	return UIConfig{
		Theme:           "auto",
		RefreshInterval: "5s",
		ClientPageSize:  25,
		MarkdownWidth:   80,
	}
}

// GetRefreshInterval returns the dashboard refresh period.
func (u UIConfig) GetRefreshInterval() time.Duration {
	return parseDuration(u.RefreshInterval, 5*time.Second)
}
