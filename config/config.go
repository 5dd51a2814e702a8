package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Timeouts holds the three timeout tiers used by every wait in a run.
type Timeouts struct {
	Short   time.Duration `yaml:"short"`
	Default time.Duration `yaml:"default"`
	Long    time.Duration `yaml:"long"`
	// Page is the driver-level default applied once the page is placed.
	Page time.Duration `yaml:"page"`
}

// Delays are the fixed settle waits inserted after UI actions.
type Delays struct {
	ClickSettle     time.Duration `yaml:"click_settle"`
	PostClick       time.Duration `yaml:"post_click"`
	Submit          time.Duration `yaml:"submit"`
	InventorySettle time.Duration `yaml:"inventory_settle"`
	InitialSettle   time.Duration `yaml:"initial_settle"`
	RenderSettle    time.Duration `yaml:"render_settle"`
	ScrollSettle    time.Duration `yaml:"scroll_settle"`
}

// CardSelectors locate fields inside a single product card.
type CardSelectors struct {
	Name        string `yaml:"name"`
	ID          string `yaml:"id"`
	Category    string `yaml:"category"`
	DetailRows  string `yaml:"detail_rows"`
	DetailLabel string `yaml:"detail_label"`
	DetailValue string `yaml:"detail_value"`
	RatingSpan  string `yaml:"rating_span"`
	Footer      string `yaml:"footer"`
}

// Selectors enumerates every element the run interacts with.
type Selectors struct {
	LoginUsername   string        `yaml:"login_username"`
	LoginPassword   string        `yaml:"login_password"`
	LoginSubmit     string        `yaml:"login_submit"`
	LaunchChallenge string        `yaml:"launch_challenge"`
	StartJourney    string        `yaml:"start_journey"`
	ContinueSearch  string        `yaml:"continue_search"`
	InventoryButton string        `yaml:"inventory_button"`
	ProductCard     string        `yaml:"product_card"`
	NextPage        string        `yaml:"next_page"`
	Pagination      string        `yaml:"pagination"`
	Card            CardSelectors `yaml:"card"`
}

// Credentials are the login username and password.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config holds scraper configuration. It is built once and shared by pointer;
// components never mutate it.
type Config struct {
	BaseURL         string `yaml:"base_url"`
	InstructionsURL string `yaml:"instructions_path"`
	ChallengeURL    string `yaml:"challenge_path"`

	SessionFile  string `yaml:"session_file"`
	OutputFile   string `yaml:"output_file"`
	OutputFormat string `yaml:"output_format"` // csv, json, or dual
	DebugDir     string `yaml:"debug_dir"`

	Credentials Credentials `yaml:"credentials"`
	Selectors   Selectors   `yaml:"selectors"`
	Timeouts    Timeouts    `yaml:"timeouts"`
	Delays      Delays      `yaml:"delays"`

	CheckpointEvery int `yaml:"checkpoint_every"`
	MaxBatches      int `yaml:"max_batches"`
	DedupeMaxSize   int `yaml:"dedupe_max_size"`

	Headless         bool          `yaml:"headless"`
	PreflightRetries int           `yaml:"preflight_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
	UserAgent        string        `yaml:"user_agent"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	Verbose          bool          `yaml:"verbose"`
}

// DefaultConfig returns the defaults for the inventory challenge target.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://hiring.idenhq.com",
		InstructionsURL: "/instructions",
		ChallengeURL:    "/challenge",
		SessionFile:     "session.json",
		OutputFile:      "product_data.json",
		OutputFormat:    "json",
		DebugDir:        ".",
		Selectors: Selectors{
			LoginUsername:   `input[name="username"], input[type="email"], input[placeholder*="email" i]`,
			LoginPassword:   `input[name="password"], input[type="password"]`,
			LoginSubmit:     `button[type="submit"], input[type="submit"], button:has-text("Login"), button:has-text("Sign in")`,
			LaunchChallenge: `button:has-text('Launch Challenge')`,
			StartJourney:    `button:has-text('Start Journey'), a:has-text('Start Journey')`,
			ContinueSearch:  `button:has-text('Continue Search')`,
			InventoryButton: `button:has-text('Inventory Section')`,
			ProductCard:     `div.rounded-lg.border.bg-card.text-card-foreground.shadow-sm`,
			NextPage:        `button:has-text('Next'), a:has-text('Next')`,
			Pagination:      `nav[aria-label='pagination'], div.pagination`,
			Card: CardSelectors{
				Name:        "h3",
				ID:          "p.text-xs.text-muted-foreground.font-mono",
				Category:    "div[class*='rounded-full'][class*='bg-primary']",
				DetailRows:  "dl > div.flex.items-center.justify-between",
				DetailLabel: "dt.text-muted-foreground",
				DetailValue: "dd.font-medium",
				RatingSpan:  "span.ml-1.text-sm.text-muted-foreground",
				Footer:      "div.items-center.p-6.pt-2.border-t > span",
			},
		},
		Timeouts: Timeouts{
			Short:   5 * time.Second,
			Default: 30 * time.Second,
			Long:    45 * time.Second,
			Page:    60 * time.Second,
		},
		Delays: Delays{
			ClickSettle:     200 * time.Millisecond,
			PostClick:       time.Second,
			Submit:          time.Second,
			InventorySettle: 3 * time.Second,
			InitialSettle:   2 * time.Second,
			RenderSettle:    time.Second,
			ScrollSettle:    3 * time.Second,
		},
		CheckpointEvery:  100,
		MaxBatches:       500,
		DedupeMaxSize:    100000,
		Headless:         true,
		PreflightRetries: 2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
	}
}

// InstructionsPageURL is the absolute URL of the instructions page.
func (c *Config) InstructionsPageURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + c.InstructionsURL
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if !strings.HasPrefix(c.InstructionsURL, "/") || !strings.HasPrefix(c.ChallengeURL, "/") {
		return fmt.Errorf("instructions and challenge paths must start with /")
	}
	if c.SessionFile == "" {
		return fmt.Errorf("session file cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}

	if c.Timeouts.Short <= 0 || c.Timeouts.Default <= 0 || c.Timeouts.Long <= 0 {
		return fmt.Errorf("timeout tiers must be positive")
	}
	if c.Timeouts.Short > c.Timeouts.Default || c.Timeouts.Default > c.Timeouts.Long {
		return fmt.Errorf("timeout tiers must satisfy short <= default <= long")
	}
	if c.Timeouts.Page < 0 {
		return fmt.Errorf("page timeout cannot be negative")
	}

	for name, d := range map[string]time.Duration{
		"click settle":     c.Delays.ClickSettle,
		"post click":       c.Delays.PostClick,
		"submit":           c.Delays.Submit,
		"inventory settle": c.Delays.InventorySettle,
		"initial settle":   c.Delays.InitialSettle,
		"render settle":    c.Delays.RenderSettle,
		"scroll settle":    c.Delays.ScrollSettle,
	} {
		if d < 0 {
			return fmt.Errorf("%s delay cannot be negative", name)
		}
	}

	if c.Selectors.ProductCard == "" {
		return fmt.Errorf("product card selector cannot be empty")
	}
	if c.Selectors.LaunchChallenge == "" {
		return fmt.Errorf("launch challenge selector cannot be empty")
	}

	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if c.MaxBatches <= 0 {
		return fmt.Errorf("max batches must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.PreflightRetries < 0 {
		return fmt.Errorf("preflight retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
