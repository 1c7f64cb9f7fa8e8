package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SelectorConfig holds the per-source CSS selection rules the default
// extraction strategy runs with.
type SelectorConfig struct {
	// Listing-page rules: where article links live.
	Links string `yaml:"links"`
	// Optional title selector scoped to the link's container; when empty
	// the link text is used.
	Title string `yaml:"title"`
	// Article-page rules, tried in order until one matches.
	Content []string `yaml:"content"`
	// Optional published-time selector and layout on the article page.
	Date       string `yaml:"date"`
	DateLayout string `yaml:"date_layout"`
}

// SourceConfig describes one site to scrape.
type SourceConfig struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	URLs           []string       `yaml:"urls"`
	Strategy       string         `yaml:"strategy"` // static-markup | rendered
	RateLimit      float64        `yaml:"rate_limit"`
	Burst          int            `yaml:"burst"`
	MaxConcurrency int            `yaml:"max_concurrency"`
	MaxArticles    int            `yaml:"max_articles"`
	Selectors      SelectorConfig `yaml:"selectors"`
}

type Config struct {
	Classifier struct {
		Endpoint      string   `yaml:"endpoint"`
		ModelVersion  string   `yaml:"model_version"`
		MaxBatchSize  int      `yaml:"max_batch_size"`
		BatchWindow   Duration `yaml:"batch_window"`
		Timeout       Duration `yaml:"timeout"`
		RetryAttempts int      `yaml:"retry_attempts"`
	} `yaml:"classifier"`

	Database struct {
		URL        string   `yaml:"url"`
		TableName  string   `yaml:"table_name"`
		Timeout    Duration `yaml:"timeout"`
		MaxRetries int      `yaml:"max_retries"`
	} `yaml:"database"`

	Fetcher struct {
		Timeout       Duration `yaml:"timeout"`
		RenderTimeout Duration `yaml:"render_timeout"`
		RetryAttempts int      `yaml:"retry_attempts"`
		UserAgent     string   `yaml:"user_agent"`
	} `yaml:"fetcher"`

	Pipeline struct {
		QueueSize   int      `yaml:"queue_size"`
		Deadline    Duration `yaml:"deadline"`
		GracePeriod Duration `yaml:"grace_period"`
	} `yaml:"pipeline"`

	Sources []SourceConfig `yaml:"sources"`
}

// LoadConfig reads the YAML config from path, or from the first default
// location that exists when path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/toxiscan/config.yaml"),
			"/etc/toxiscan/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}

		if path == "" {
			return nil, fmt.Errorf("no config file found in default locations")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if errs := config.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %v", errs)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Classifier.MaxBatchSize == 0 {
		c.Classifier.MaxBatchSize = 16
	}
	if c.Classifier.BatchWindow == 0 {
		c.Classifier.BatchWindow = Duration(2 * time.Second)
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = Duration(60 * time.Second)
	}
	if c.Classifier.RetryAttempts == 0 {
		c.Classifier.RetryAttempts = 3
	}
	if c.Database.TableName == "" {
		c.Database.TableName = "articles"
	}
	if c.Database.Timeout == 0 {
		c.Database.Timeout = Duration(10 * time.Second)
	}
	if c.Database.MaxRetries == 0 {
		c.Database.MaxRetries = 3
	}
	if c.Fetcher.Timeout == 0 {
		c.Fetcher.Timeout = Duration(15 * time.Second)
	}
	if c.Fetcher.RenderTimeout == 0 {
		c.Fetcher.RenderTimeout = Duration(30 * time.Second)
	}
	if c.Fetcher.RetryAttempts == 0 {
		c.Fetcher.RetryAttempts = 3
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if c.Pipeline.QueueSize == 0 {
		c.Pipeline.QueueSize = 64
	}
	if c.Pipeline.GracePeriod == 0 {
		c.Pipeline.GracePeriod = Duration(10 * time.Second)
	}

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Strategy == "" {
			src.Strategy = "static-markup"
		}
		if src.RateLimit == 0 {
			src.RateLimit = 2
		}
		if src.Burst == 0 {
			src.Burst = 1
		}
		if src.MaxConcurrency == 0 {
			src.MaxConcurrency = 4
		}
		if src.Name == "" {
			src.Name = src.ID
		}
	}
}
