package adapter

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SourcesFile is the top-level shape of sources.yaml.
type SourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads and checks the source configuration file. Disabled
// sources are filtered out here so callers only ever see active ones.
func LoadSources(path string) ([]SourceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "adapter: read sources file %s", path)
	}

	var file SourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "adapter: parse sources file %s", path)
	}

	seen := make(map[string]bool, len(file.Sources))
	active := make([]SourceConfig, 0, len(file.Sources))
	for _, src := range file.Sources {
		if src.ID == "" {
			return nil, eris.New("adapter: source without id")
		}
		if seen[src.ID] {
			return nil, eris.Errorf("adapter: duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
		if src.Adapter == "" {
			return nil, eris.Errorf("adapter: source %q without adapter name", src.ID)
		}
		if src.Disabled {
			continue
		}
		if src.Tier == "" {
			src.Tier = "C"
		}
		if src.RatePerSec <= 0 {
			src.RatePerSec = 1
		}
		active = append(active, src)
	}
	return active, nil
}
