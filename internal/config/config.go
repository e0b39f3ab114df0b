package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Uploader   UploaderConfig   `yaml:"uploader"`
	Cookies    CookiesConfig    `yaml:"cookies"`
	Admin      AdminConfig      `yaml:"admin"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TelegramConfig struct {
	BotToken       string `yaml:"bot_token"`
	OwnerID        int64  `yaml:"owner_id"`
	ChatID         string `yaml:"chat_id"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"`
	SendAttempts   int    `yaml:"send_attempts"`
}

// ChannelConfig maps a chat to the uploader profile used for its batches.
type ChannelConfig struct {
	ChatID  int64  `yaml:"chat_id"`
	Profile string `yaml:"profile"`
	NSFW    bool   `yaml:"nsfw"`
}

type AggregatorConfig struct {
	DebounceMs    int `yaml:"debounce_ms"`
	MergeWindowMs int `yaml:"merge_window_ms"`
}

type UploaderConfig struct {
	Interpreter      string `yaml:"interpreter"`
	ScriptPath       string `yaml:"script_path"`
	DefaultProfile   string `yaml:"default_profile"`
	NakPath          string `yaml:"nak_path"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	GraceSec         int    `yaml:"grace_sec"`
	TermWaitMs       int    `yaml:"term_wait_ms"`
	ShutdownGraceSec int    `yaml:"shutdown_grace_sec"`
	UsePTY           bool   `yaml:"use_pty"`
	PathTranslation  string `yaml:"path_translation"` // "none" or "cygwin"
	CygpathPath      string `yaml:"cygpath_path"`
	ProcessTree      string `yaml:"process_tree"`     // "native" or "cygwin"
}

type CookiesConfig struct {
	File           string   `yaml:"file"`
	UseFirefox     *bool    `yaml:"use_firefox"`
	DisableDomains []string `yaml:"disable_domains"`
}

type AdminConfig struct {
	Listen string `yaml:"listen"`
}

type StorageConfig struct {
	StateDir    string `yaml:"state_dir"`
	DownloadDir string `yaml:"download_dir"`
	JournalMax  int    `yaml:"journal_max"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Telegram.PollTimeoutSec == 0 {
		cfg.Telegram.PollTimeoutSec = 30
	}
	if cfg.Telegram.SendAttempts == 0 {
		cfg.Telegram.SendAttempts = 5
	}
	if cfg.Aggregator.DebounceMs == 0 {
		cfg.Aggregator.DebounceMs = 3000
	}
	if cfg.Aggregator.MergeWindowMs == 0 {
		cfg.Aggregator.MergeWindowMs = 5000
	}
	if cfg.Uploader.Interpreter == "" {
		cfg.Uploader.Interpreter = "bash"
	}
	if cfg.Uploader.DefaultProfile == "" {
		cfg.Uploader.DefaultProfile = "default"
	}
	if cfg.Uploader.NakPath == "" {
		cfg.Uploader.NakPath = "nak"
	}
	if cfg.Uploader.TimeoutSec == 0 {
		cfg.Uploader.TimeoutSec = 1800
	}
	if cfg.Uploader.GraceSec == 0 {
		cfg.Uploader.GraceSec = 15
	}
	if cfg.Uploader.TermWaitMs == 0 {
		cfg.Uploader.TermWaitMs = 2000
	}
	if cfg.Uploader.ShutdownGraceSec == 0 {
		cfg.Uploader.ShutdownGraceSec = 3
	}
	if cfg.Uploader.PathTranslation == "" {
		cfg.Uploader.PathTranslation = "none"
	}
	if cfg.Uploader.CygpathPath == "" {
		cfg.Uploader.CygpathPath = "cygpath"
	}
	if cfg.Uploader.ProcessTree == "" {
		cfg.Uploader.ProcessTree = "native"
	}
	if cfg.Cookies.UseFirefox == nil {
		t := true
		cfg.Cookies.UseFirefox = &t
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "/var/lib/mediabotd"
	}
	if cfg.Storage.DownloadDir == "" {
		cfg.Storage.DownloadDir = filepath.Join(cfg.Storage.StateDir, "downloads")
	}
	if cfg.Storage.JournalMax == 0 {
		cfg.Storage.JournalMax = 10000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Optional environment overrides for secrets.
	if envToken := os.Getenv("MEDIABOTD_BOT_TOKEN"); envToken != "" {
		cfg.Telegram.BotToken = envToken
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required (or MEDIABOTD_BOT_TOKEN)")
	}
	if c.Telegram.OwnerID == 0 && c.Telegram.ChatID == "" {
		return fmt.Errorf("at least one of telegram.owner_id and telegram.chat_id is required")
	}
	if c.Uploader.ScriptPath == "" {
		return fmt.Errorf("uploader.script_path is required")
	}
	switch c.Uploader.PathTranslation {
	case "none", "cygwin":
	default:
		return fmt.Errorf("uploader.path_translation must be \"none\" or \"cygwin\", got %q", c.Uploader.PathTranslation)
	}
	switch c.Uploader.ProcessTree {
	case "native", "cygwin":
	default:
		return fmt.Errorf("uploader.process_tree must be \"native\" or \"cygwin\", got %q", c.Uploader.ProcessTree)
	}
	return nil
}

// ProfileFor resolves the channel profile for a chat. With an explicit
// channel list, unlisted chats do not resolve; without one, every chat
// gets the default uploader profile.
func (c *Config) ProfileFor(chatID int64) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.ChatID == chatID {
			return ch, true
		}
	}
	if len(c.Channels) == 0 && c.Uploader.DefaultProfile != "" {
		return ChannelConfig{ChatID: chatID, Profile: c.Uploader.DefaultProfile}, true
	}
	return ChannelConfig{}, false
}
