package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
classifier:
  endpoint: "http://localhost:8000/classify"
  model_version: "toxicity-fr-1"
  max_batch_size: 8
  batch_window: 500ms
  timeout: 30s

database:
  url: "postgres://localhost:5432/articles_db"
  table_name: "articles_test"

fetcher:
  timeout: 5s
  retry_attempts: 2

pipeline:
  queue_size: 16
  grace_period: 3s

sources:
  - id: humanite
    name: "L'Humanité"
    urls: ["https://www.humanite.fr/"]
    strategy: static-markup
    rate_limit: 1.5
    max_concurrency: 3
    selectors:
      links: "article.myvertical-card"
      title: "h3.vertical-card__title"
      content:
        - "div.article-content"
        - "article"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/classify", cfg.Classifier.Endpoint)
	assert.Equal(t, "toxicity-fr-1", cfg.Classifier.ModelVersion)
	assert.Equal(t, 8, cfg.Classifier.MaxBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Classifier.BatchWindow.Std())
	assert.Equal(t, "articles_test", cfg.Database.TableName)
	assert.Equal(t, 5*time.Second, cfg.Fetcher.Timeout.Std())
	assert.Equal(t, 16, cfg.Pipeline.QueueSize)

	require.Len(t, cfg.Sources, 1)
	src := cfg.Sources[0]
	assert.Equal(t, "humanite", src.ID)
	assert.Equal(t, 1.5, src.RateLimit)
	assert.Equal(t, 3, src.MaxConcurrency)
	assert.Equal(t, []string{"div.article-content", "article"}, src.Selectors.Content)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
classifier:
  endpoint: "http://localhost:8000/classify"

database:
  url: "postgres://localhost:5432/articles_db"

sources:
  - id: marianne
    urls: ["https://www.marianne.net/"]
    selectors:
      links: "article.thumbnail a.thumbnail__link"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Classifier.MaxBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Classifier.BatchWindow.Std())
	assert.Equal(t, "articles", cfg.Database.TableName)
	assert.Equal(t, 64, cfg.Pipeline.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.GracePeriod.Std())

	src := cfg.Sources[0]
	assert.Equal(t, "static-markup", src.Strategy)
	assert.Equal(t, 2.0, src.RateLimit)
	assert.Equal(t, 4, src.MaxConcurrency)
	assert.Equal(t, "marianne", src.Name)
}

func TestLoadConfigDurationSeconds(t *testing.T) {
	path := writeConfig(t, `
classifier:
  endpoint: "http://localhost:8000/classify"
  timeout: 45

database:
  url: "postgres://localhost:5432/articles_db"

sources:
  - id: a
    urls: ["https://example.com/"]
    selectors:
      links: "article a"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Classifier.Timeout.Std())
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
		err  bool
	}{
		{name: "bare int seconds", yaml: `30`, want: 30 * time.Second},
		{name: "bare float seconds", yaml: `1.5`, want: 1500 * time.Millisecond},
		{name: "duration string", yaml: `"1m30s"`, want: 90 * time.Second},
		{name: "bare duration string", yaml: `500ms`, want: 500 * time.Millisecond},
		{name: "unitless string", yaml: `"45"`, err: true},
		{name: "garbage", yaml: `"soon"`, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.yaml), &d)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		fields []string
	}{
		{
			name: "missing everything",
			yaml: `{}`,
			fields: []string{
				"classifier.endpoint",
				"database.url",
				"sources",
			},
		},
		{
			name: "bad source",
			yaml: `
classifier:
  endpoint: "http://localhost:8000/classify"
database:
  url: "postgres://localhost:5432/db"
sources:
  - id: a
    urls: ["not a url"]
    strategy: dynamic
    selectors:
      links: "article a"
`,
			fields: []string{
				"sources[0].urls",
				"sources[0].strategy",
			},
		},
		{
			name: "duplicate ids and missing selector",
			yaml: `
classifier:
  endpoint: "http://localhost:8000/classify"
database:
  url: "postgres://localhost:5432/db"
sources:
  - id: a
    urls: ["https://example.com/"]
    selectors:
      links: "article a"
  - id: a
    urls: ["https://example.org/"]
    selectors: {}
`,
			fields: []string{
				"sources[1].id",
				"sources[1].selectors.links",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := LoadConfig(path)
			require.Error(t, err)
			for _, field := range tt.fields {
				assert.Contains(t, err.Error(), field)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
