package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theimaginaryfoundation/philo/philo"
	"github.com/theimaginaryfoundation/philo/philo/prompts"
)

// Scorecard export formats.
const (
	formatJSON     = "json"
	formatMarkdown = "md"
	formatCSV      = "csv"
)

var knownFormats = []string{formatJSON, formatMarkdown, formatCSV}

// Stage names accepted by --refresh.
var refreshStages = []string{"philosophies", "actions", "clusters", "assignment", "scores"}

type Config struct {
	OutDir        string `yaml:"out_dir"`
	HistorySuffix string `yaml:"history_suffix"`
	FreshStart    bool   `yaml:"fresh_start"`
	Backup        bool   `yaml:"backup"`

	Model        string `yaml:"model"`
	ScoreModel   string `yaml:"score_model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int64  `yaml:"max_tokens"`
	Structured   bool   `yaml:"structured"`
	APIKey       string `yaml:"-"`

	PromptDir   string              `yaml:"prompt_dir"`
	Versions    philo.StageVersions `yaml:"versions"`
	Refresh     []string            `yaml:"refresh"`
	MaxRetries  int                 `yaml:"max_retries"`
	SettleDelay time.Duration       `yaml:"settle_delay"`

	Formats []string `yaml:"formats"`
}

func (c Config) Validate() error {
	if c.OutDir == "" {
		return errors.New("missing --out-dir")
	}
	if c.Model == "" {
		return errors.New("missing --model")
	}
	if c.MaxRetries < 0 {
		return errors.New("max-retries must be >= 0")
	}
	if c.MaxTokens < 0 {
		return errors.New("max-tokens must be >= 0")
	}
	if c.SettleDelay < 0 {
		return errors.New("settle-delay must be >= 0")
	}
	if strings.ContainsAny(c.HistorySuffix, `/\`) {
		return errors.New("history-suffix must not contain path separators")
	}
	v := c.Versions
	for _, n := range []int{v.Philosophies, v.Actions, v.Clusters, v.Assignment, v.Scores} {
		if n < prompts.LatestVersion {
			return fmt.Errorf("prompt version %d is invalid (use %d for latest)", n, prompts.LatestVersion)
		}
	}
	if len(c.Formats) == 0 {
		return errors.New("at least one --format is required")
	}
	for _, f := range c.Formats {
		if !slices.Contains(knownFormats, f) {
			return fmt.Errorf("unknown format %q (want one of %s)", f, strings.Join(knownFormats, ", "))
		}
	}
	if _, err := c.StageRefresh(); err != nil {
		return err
	}
	return nil
}

// StageRefresh turns the --refresh list into per-stage flags. "all" selects every stage.
func (c Config) StageRefresh() (philo.StageRefresh, error) {
	var r philo.StageRefresh
	for _, s := range c.Refresh {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "":
		case "all":
			r = philo.StageRefresh{Philosophies: true, Actions: true, Clusters: true, Assignment: true, Scores: true}
		case "philosophies":
			r.Philosophies = true
		case "actions":
			r.Actions = true
		case "clusters":
			r.Clusters = true
		case "assignment":
			r.Assignment = true
		case "scores":
			r.Scores = true
		default:
			return r, fmt.Errorf("unknown refresh stage %q (want all or one of %s)", s, strings.Join(refreshStages, ", "))
		}
	}
	return r, nil
}

func (c Config) HistoryPath() string {
	return philo.HistoryPath(c.OutDir, c.HistorySuffix)
}

func defaultConfig() Config {
	return Config{
		OutDir:      "out",
		Model:       "gpt-4-1106-preview",
		ScoreModel:  "gpt-3.5-turbo",
		MaxRetries:  philo.DefaultMaxRetries,
		SettleDelay: philo.DefaultSettleDelay,
		Formats:     []string{formatJSON, formatMarkdown},
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. A missing file leaves cfg unchanged.
func loadConfigFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
