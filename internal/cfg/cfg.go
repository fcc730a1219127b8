package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"strings"
)

// Config adds invoiceshield-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	MaxBodyKB             int
	APITokens             string

	ClaudeAPIKey         string
	ClaudeModel          string
	ClaudeMaxRetries     int
	ClaudeTimeoutSeconds int

	DatabaseURL string
	DBMaxConns  int

	SlackWebhookURL string
	KafkaBrokers    string
	KafkaTopic      string

	BankAPIEndpoint   string
	BankAPIToken      string
	WebSearchEndpoint string
	WebSearchAPIKey   string
	WatchlistPath     string
	ReportDir         string

	PipelinePath      string
	AgentsPath        string
	GateThreshold     float64
	EnrichConcurrency int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.MaxBodyKB, "max-body-kb", 1024, "maximum API request body in KiB; inline batches can be large (1..16384)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma separated bearer tokens accepted by the API")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (required when the pipeline has agent stages)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "default Claude model for agents that do not name one")
	fs.IntVar(&c.ClaudeMaxRetries, "claude-max-retries", 2, "retries on transient Claude API errors (0..10)")
	fs.IntVar(&c.ClaudeTimeoutSeconds, "claude-timeout-seconds", 120, "per-request Claude API timeout (1..600)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store, inline batches only)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = driver default)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notifications")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers for escalation events (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "invoiceshield.escalations", "Kafka topic for escalation events")

	fs.StringVar(&c.BankAPIEndpoint, "bank-api-endpoint", "", "bank payments API base URL (empty = no bank enrichment)")
	fs.StringVar(&c.BankAPIToken, "bank-api-token", "", "bearer token for the bank payments API")
	fs.StringVar(&c.WebSearchEndpoint, "web-search-endpoint", "", "web search API URL used during vendor research")
	fs.StringVar(&c.WebSearchAPIKey, "web-search-api-key", "", "API key for the web search endpoint")
	fs.StringVar(&c.WatchlistPath, "watchlist-path", "", "YAML vendor watchlist file")
	fs.StringVar(&c.ReportDir, "report-dir", "reports", "directory investigation reports are written to")

	fs.StringVar(&c.PipelinePath, "pipeline-path", "", "YAML pipeline descriptor (empty = built-in invoice review pipeline)")
	fs.StringVar(&c.AgentsPath, "agents-path", "", "YAML agent definitions overriding the built-in agents")
	fs.Float64Var(&c.GateThreshold, "gate-threshold", 0.75, "anomaly score at or above which a case escalates (0..1]")
	fs.IntVar(&c.EnrichConcurrency, "enrich-concurrency", 4, "concurrent bank lookups per batch (1..64)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.MaxBodyKB <= 0 || c.MaxBodyKB > 16384 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_KB %d (must be 1..16384)", c.MaxBodyKB))
	}

	// API is never served unauthenticated
	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.ClaudeMaxRetries < 0 || c.ClaudeMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_MAX_RETRIES %d (must be 0..10)", c.ClaudeMaxRetries))
	}
	if c.ClaudeTimeoutSeconds <= 0 || c.ClaudeTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_TIMEOUT_SECONDS %d (must be 1..600)", c.ClaudeTimeoutSeconds))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}

	if len(c.Brokers()) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	if c.BankAPIToken != "" && c.BankAPIEndpoint == "" {
		errs = append(errs, errors.New("BANK_API_TOKEN set without BANK_API_ENDPOINT"))
	}
	if c.WebSearchAPIKey != "" && c.WebSearchEndpoint == "" {
		errs = append(errs, errors.New("WEB_SEARCH_API_KEY set without WEB_SEARCH_ENDPOINT"))
	}
	if strings.TrimSpace(c.ReportDir) == "" {
		errs = append(errs, errors.New("REPORT_DIR is required"))
	}

	// Gate threshold is a probability; zero would escalate every case
	if math.IsNaN(c.GateThreshold) || c.GateThreshold <= 0 || c.GateThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid GATE_THRESHOLD %v (must be in (0,1])", c.GateThreshold))
	}
	if c.EnrichConcurrency <= 0 || c.EnrichConcurrency > 64 {
		errs = append(errs, fmt.Errorf("invalid ENRICH_CONCURRENCY %d (must be 1..64)", c.EnrichConcurrency))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Tokens returns the configured API tokens with blanks removed.
func (c *Config) Tokens() []string {
	return splitList(c.APITokens)
}

// Brokers returns the configured Kafka brokers with blanks removed.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
