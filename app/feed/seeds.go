package feed

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSeeds reads a YAML seed file listing feed URLs to register at startup.
// Duplicate URLs (after canonicalization) are collapsed.
func LoadSeeds(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Feeds))
	seeds := make([]Seed, 0, len(file.Feeds))

	for i, seed := range file.Feeds {
		if seed.URL == "" {
			return nil, fmt.Errorf("invalid seed file %s: feed %d has no url", path, i+1)
		}

		canonical, err := CanonicalURL(seed.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
		}

		if seen[canonical] {
			slog.Debug("Duplicate seed skipped", "url", canonical)
			continue
		}
		seen[canonical] = true

		seed.URL = canonical
		seeds = append(seeds, seed)
	}

	return seeds, nil
}
