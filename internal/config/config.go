package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9091"
	}
	if c.Oracle.Model == "" {
		c.Oracle.Model = "gpt-4o"
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 90
	}
	if c.Oracle.MaxRetries <= 0 {
		c.Oracle.MaxRetries = 3
	}
	if c.Market.Source == "" {
		c.Market.Source = "static"
	}
	if len(c.Market.Symbols) == 0 {
		c.Market.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if c.Market.CandleInterval == "" {
		c.Market.CandleInterval = "1h"
	}
	if c.Engine.MaxRounds <= 0 {
		c.Engine.MaxRounds = 5
	}
	if c.Engine.RoundTimeoutSeconds <= 0 {
		c.Engine.RoundTimeoutSeconds = 90
	}
	if c.Engine.CycleBudgetSeconds <= 0 {
		c.Engine.CycleBudgetSeconds = 300
	}
	if c.Engine.ToolTimeoutSeconds <= 0 {
		c.Engine.ToolTimeoutSeconds = 10
	}
	if c.Ledger.InitialBalance <= 0 {
		c.Ledger.InitialBalance = 10000
	}
	if c.Ledger.MinMargin <= 0 {
		c.Ledger.MinMargin = 50
	}
	if c.Ledger.MinLeverage <= 0 {
		c.Ledger.MinLeverage = 1
	}
	if c.Ledger.MaxLeverage <= 0 {
		c.Ledger.MaxLeverage = 50
	}
	if c.Ledger.FeeRate <= 0 {
		c.Ledger.FeeRate = 0.03
	}
	if c.Ledger.CooldownMinutes <= 0 {
		c.Ledger.CooldownMinutes = 30
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/talos.db"
	}
	for i := range c.Agents {
		if c.Agents[i].Interval == "" {
			c.Agents[i].Interval = "1h"
		}
	}
}

func validate(c *Config) error {
	switch c.Market.Source {
	case "static", "binance":
	default:
		return fmt.Errorf("market.source must be static or binance, got %q", c.Market.Source)
	}
	if c.Oracle.BaseURL == "" {
		return fmt.Errorf("oracle.base_url is required")
	}
	if c.Ledger.MinLeverage > c.Ledger.MaxLeverage {
		return fmt.Errorf("ledger.min_leverage %d exceeds max_leverage %d",
			c.Ledger.MinLeverage, c.Ledger.MaxLeverage)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("agents[%d].id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate agent id %q", id)
		}
		seen[id] = true
	}
	return nil
}
