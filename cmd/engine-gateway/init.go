// ABOUTME: Interactive init command that writes a starter gateway.yaml
// ABOUTME: Generates a random JWT secret and prompts for domain, upstream and listener settings

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/engine-gateway/internal/auth"
	"github.com/2389/engine-gateway/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr      string
	DBPath        string
	AllowedDomain string
	JWTSecret     string
	Project       string
	Location      string
	Discover      bool
	Tailscale     bool
	TSHostname    string
	TSAuthKey     string
	TSEphemeral   bool
	TSFunnel      bool
	LogLevel      string
	LogFormat     string
}

func runInit(flags map[string]string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("engine-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath(flags))
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return err
	}

	var a initAnswers
	a.JWTSecret = string(secret)

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Accounts ---")
	a.AllowedDomain = prompt(reader, "Allowed email domain", "example.com")

	fmt.Println("\n--- Upstream ---")
	a.Project = prompt(reader, "Google Cloud project ID", os.Getenv("GCP_PROJECT_ID"))
	a.Location = prompt(reader, "Location", config.DefaultLocation)
	a.Discover = a.Project != "" && yes(prompt(reader, "Discover deployed agents automatically?", "yes"))

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "engine-gateway")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		a.TSFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(config.ExpandHome(a.DBPath))
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  engine-gateway serve")

	return nil
}

// renderConfig produces the YAML for a set of answers.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&b, format, args...) }

	w("# engine-gateway configuration\n")
	w("# Generated by engine-gateway init\n\n")

	w("server:\n")
	w("  http_addr: %q\n", a.HTTPAddr)
	w("  cors_origins: []\n\n")

	w("database:\n")
	w("  driver: %q\n", config.DefaultDatabaseDriver)
	w("  path: %q\n\n", a.DBPath)

	w("auth:\n")
	w("  jwt_secret: %q\n", a.JWTSecret)
	w("  allowed_domain: %q\n", a.AllowedDomain)
	w("  token_ttl: %q\n", config.DefaultTokenTTL.String())
	w("  min_password_length: %d\n\n", config.DefaultMinPasswordLength)

	w("upstream:\n")
	w("  project: %q\n", a.Project)
	w("  location: %q\n", a.Location)
	w("  request_timeout: %q\n\n", config.DefaultRequestTimeout.String())

	w("agents:\n")
	w("  discover: %t\n", a.Discover)
	w("  cache_ttl: %q\n", config.DefaultAgentCacheTTL.String())
	w("  static: []\n\n")

	w("tailscale:\n")
	w("  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		w("  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			w("  auth_key: %q\n", a.TSAuthKey)
		}
		w("  ephemeral: %t\n", a.TSEphemeral)
		w("  funnel: %t\n", a.TSFunnel)
	}
	w("\n")

	w("conversation:\n")
	w("  window: %d\n\n", config.DefaultContextWindow)

	w("history:\n")
	w("  default_limit: %d\n", config.DefaultHistoryLimit)
	w("  max_limit: %d\n\n", config.DefaultMaxHistoryLimit)

	w("logging:\n")
	w("  level: %q\n", a.LogLevel)
	w("  format: %q\n", a.LogFormat)

	return b.String()
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	return promptTo(os.Stdout, reader, question, defaultVal)
}

func promptTo(out io.Writer, reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
