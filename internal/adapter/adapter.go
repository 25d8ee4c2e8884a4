// Package adapter bridges external event sources into the source
// happenings table. Each adapter knows one wire format; the bridge
// validates, keys and upserts whatever the adapters return.
package adapter

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// RawRecord is one event as an adapter extracted it, before
// validation and keying.
type RawRecord struct {
	ExternalID     string     `json:"external_id,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Location       string     `json:"location,omitempty"`
	StartDateLocal string     `json:"start_date_local,omitempty"`
	EndDateLocal   string     `json:"end_date_local,omitempty"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	DatePrecision  string     `json:"date_precision,omitempty"`
	RawDatetime    string     `json:"raw_datetime,omitempty"`
	ItemURL        string     `json:"item_url,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
}

// SourceConfig describes one configured source.
type SourceConfig struct {
	ID          string  `yaml:"id"`
	Adapter     string  `yaml:"adapter"`
	Tier        string  `yaml:"tier"`
	URL         string  `yaml:"url"`
	RatePerSec  float64 `yaml:"rate_per_sec"`
	PageSize    int     `yaml:"page_size"`
	Disabled    bool    `yaml:"disabled"`
	Description string  `yaml:"description"`
}

// Adapter fetches raw records from one kind of source. Implementations
// must wait on the limiter before every outbound request, so
// rate_per_sec paces paginated fetches and not just the first hit.
type Adapter interface {
	Fetch(ctx context.Context, cfg SourceConfig, limiter *rate.Limiter) ([]RawRecord, error)
}

var registry = map[string]Adapter{}

// Register makes an adapter available under a name. Called from
// adapter implementations' init or from main wiring.
func Register(name string, a Adapter) {
	registry[name] = a
}

// Lookup resolves a registered adapter by name.
func Lookup(name string) (Adapter, error) {
	a, ok := registry[name]
	if !ok {
		return nil, eris.Errorf("adapter: unknown adapter %q (registered: %v)", name, registeredNames())
	}
	return a, nil
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
