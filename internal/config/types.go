package config

// Config is the top-level talos configuration.
type Config struct {
	App    AppConfig     `yaml:"app"`
	Oracle OracleConfig  `yaml:"oracle"`
	Market MarketConfig  `yaml:"market"`
	Engine EngineConfig  `yaml:"engine"`
	Ledger LedgerConfig  `yaml:"ledger"`
	Store  StoreConfig   `yaml:"store"`
	Prompt PromptConfig  `yaml:"prompt"`
	Agents []AgentConfig `yaml:"agents"`
}

type AppConfig struct {
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"log_level"`
	LogPath       string `yaml:"log_path"`
	OracleLogPath string `yaml:"oracle_log_path"`
	HTTPAddr      string `yaml:"http_addr"`
}

// OracleConfig points at an OpenAI-compatible chat completion endpoint.
type OracleConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
}

type MarketConfig struct {
	// Source is "static" for replayed fixtures or "binance" for the
	// live futures API.
	Source         string   `yaml:"source"`
	Symbols        []string `yaml:"symbols"`
	CandleInterval string   `yaml:"candle_interval"`
}

type EngineConfig struct {
	MaxRounds           int `yaml:"max_rounds"`
	RoundTimeoutSeconds int `yaml:"round_timeout_seconds"`
	CycleBudgetSeconds  int `yaml:"cycle_budget_seconds"`
	ToolTimeoutSeconds  int `yaml:"tool_timeout_seconds"`
}

type LedgerConfig struct {
	InitialBalance  float64 `yaml:"initial_balance"`
	MinMargin       float64 `yaml:"min_margin"`
	MinLeverage     int     `yaml:"min_leverage"`
	MaxLeverage     int     `yaml:"max_leverage"`
	FeeRate         float64 `yaml:"fee_rate"`
	CooldownMinutes int     `yaml:"cooldown_minutes"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type PromptConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// AgentConfig declares one autonomous agent in the fleet.
type AgentConfig struct {
	ID             string `yaml:"id"`
	Interval       string `yaml:"interval"`
	OffsetSeconds  int    `yaml:"offset_seconds"`
	RunImmediately bool   `yaml:"run_immediately"`
}
