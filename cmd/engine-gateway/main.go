// ABOUTME: Entry point for engine-gateway, the authenticated front door to hosted reasoning agents
// ABOUTME: Dispatches the serve, init, health, agents and history subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"

	"github.com/2389/engine-gateway/internal/config"
	"github.com/2389/engine-gateway/internal/gateway"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _                                 _
  ___ _ __   __ _(_)_ __   ___        __ _  __ _| |_ _____      ____ _ _   _
 / _ \ '_ \ / _' | | '_ \ / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  __/ | | | (_| | | | | |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___|_| |_|\__, |_|_| |_|\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
            |___/                    |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > ENGINE_GATEWAY_CONFIG env var >
// XDG_CONFIG_HOME/engine-gateway/gateway.yaml > ~/.config/engine-gateway/gateway.yaml
func getConfigPath(flags map[string]string) string {
	if p := flags["config"]; p != "" {
		return p
	}
	if envPath := os.Getenv("ENGINE_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "engine-gateway", "gateway.yaml")
}

// getDataPath returns the path to the engine-gateway data directory.
// Priority: XDG_DATA_HOME/engine-gateway > ~/.local/share/engine-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "engine-gateway")
}

func usage() {
	fmt.Println("Usage: engine-gateway <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the gateway server")
	fmt.Println("  init                         Create a new config file interactively")
	fmt.Println("  health                       Check gateway health")
	fmt.Println("  agents                       List available agents")
	fmt.Println("  history stats                Show stored queries per user")
	fmt.Println("  history purge --user ID      Delete one user's query history")
	fmt.Println("  history purge --all          Delete every user's query history")
	fmt.Println("  version                      Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = withFlags(os.Args[2:], nil, func(flags map[string]string) error { return runServe(ctx, flags) })
	case "init":
		err = withFlags(os.Args[2:], nil, func(flags map[string]string) error { return runInit(flags) })
	case "health":
		err = withFlags(os.Args[2:], nil, func(flags map[string]string) error { return runHealth(ctx, flags) })
	case "agents":
		err = withFlags(os.Args[2:], nil, func(flags map[string]string) error { return runAgents(ctx, flags) })
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses "--name value" and "--name=value" arguments. Names in
// boolFlags take no value. Only --config and the names in valueFlags or
// boolFlags are accepted.
func parseFlags(args []string, valueFlags, boolFlags []string) (map[string]string, error) {
	known := map[string]bool{"config": false}
	for _, f := range valueFlags {
		known[f] = false
	}
	for _, f := range boolFlags {
		known[f] = true
	}

	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name := strings.TrimLeft(arg, "-")
		value, hasValue := "", false
		if k, v, ok := strings.Cut(name, "="); ok {
			name, value, hasValue = k, v, true
		}

		isBool, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		switch {
		case isBool && hasValue:
			return nil, fmt.Errorf("--%s does not take a value", name)
		case isBool:
			value = "true"
		case !hasValue:
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		flags[name] = value
	}
	return flags, nil
}

func withFlags(args, valueFlags []string, fn func(map[string]string) error) error {
	flags, err := parseFlags(args, valueFlags, nil)
	if err != nil {
		return err
	}
	return fn(flags)
}

func runServe(ctx context.Context, flags map[string]string) error {
	configPath := getConfigPath(flags)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	gateway.Version = version

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s/%s\n", cfg.Upstream.Project, cfg.Upstream.Location)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d configured", len(cfg.Agents.Static))
	if cfg.Agents.Discover {
		gray.Print(" (+ discovery)")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting engine-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"allowed_domain", cfg.Auth.AllowedDomain,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// baseURL returns the gateway URL for client subcommands.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// getJSON fetches path from the running gateway.
func getJSON(ctx context.Context, cfg *config.Config, path string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context, flags map[string]string) error {
	cfg, err := config.Load(getConfigPath(flags))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, _, err := getJSON(ctx, cfg, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

type agentRow struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	IsAvailable bool   `json:"is_available"`
}

func runAgents(ctx context.Context, flags map[string]string) error {
	cfg, err := config.Load(getConfigPath(flags))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, body, err := getJSON(ctx, cfg, "/agents")
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents failed: status %d", status)
	}

	var agents []agentRow
	if err := json.Unmarshal(body, &agents); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}
	printAgents(os.Stdout, agents)
	return nil
}

func printAgents(out io.Writer, agents []agentRow) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "no agents")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDISPLAY NAME\tAVAILABLE\tDESCRIPTION")
	for _, a := range agents {
		avail := color.RedString("no")
		if a.IsAvailable {
			avail = color.GreenString("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.DisplayName, avail, a.Description)
	}
	_ = tw.Flush()
}
