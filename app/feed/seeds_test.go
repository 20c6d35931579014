package feed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feeds.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSeeds(t *testing.T) {
	path := writeSeedFile(t, `
feeds:
  - url: https://Example.com/feed.xml
    name: Example
  - url: https://example.com:443/feed.xml
  - url: https://blog.example.org/atom
`)

	seeds, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, Seed{URL: "https://example.com/feed.xml", Name: "Example"}, seeds[0])
	assert.Equal(t, "https://blog.example.org/atom", seeds[1].URL)
}

func TestLoadSeedsErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing url", "feeds:\n  - name: nothing\n"},
		{"bad scheme", "feeds:\n  - url: gopher://example.com\n"},
		{"bad yaml", "feeds: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSeeds(writeSeedFile(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadSeeds(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
