// ABOUTME: Offline query history maintenance: per-user statistics and purging
// ABOUTME: Opens the configured database directly; the server need not be running

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/engine-gateway/internal/config"
	"github.com/2389/engine-gateway/internal/history"
	"github.com/2389/engine-gateway/internal/store"
)

func runHistory(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("history requires a subcommand: stats or purge")
	}

	sub, rest := args[0], args[1:]
	var flags map[string]string
	var err error
	switch sub {
	case "stats":
		flags, err = parseFlags(rest, nil, nil)
	case "purge":
		flags, err = parseFlags(rest, []string{"user"}, []string{"all", "yes"})
	default:
		return fmt.Errorf("unknown history subcommand: %s", sub)
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath(flags))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, config.ExpandHome(cfg.Database.Path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	svc := history.NewService(s, history.Config{}, nil)
	if sub == "stats" {
		return historyStats(ctx, os.Stdout, svc)
	}

	p := purgeRequest{
		userID:  flags["user"],
		all:     flags["all"] == "true",
		confirm: flags["yes"] == "true",
	}
	return historyPurge(ctx, os.Stdout, bufio.NewReader(os.Stdin), svc, p)
}

type userCount struct {
	userID string
	count  int
}

// sortedCounts orders users by query count, highest first.
func sortedCounts(counts map[string]int) []userCount {
	out := make([]userCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, userCount{id, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].userID < out[j].userID
	})
	return out
}

func historyStats(ctx context.Context, out io.Writer, svc *history.Service) error {
	counts, err := svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("counting queries: %w", err)
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Fprintf(out, "Total queries: %d\n", total)
	fmt.Fprintf(out, "Unique users:  %d\n", len(counts))
	if len(counts) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER ID\tQUERIES")
	for _, uc := range sortedCounts(counts) {
		fmt.Fprintf(tw, "%s\t%d\n", uc.userID, uc.count)
	}
	return tw.Flush()
}

type purgeRequest struct {
	userID  string
	all     bool
	confirm bool // skip the interactive prompt
}

func historyPurge(ctx context.Context, out io.Writer, in *bufio.Reader, svc *history.Service, p purgeRequest) error {
	switch {
	case p.userID == "" && !p.all:
		return fmt.Errorf("purge requires --user ID or --all")
	case p.userID != "" && p.all:
		return fmt.Errorf("--user and --all are mutually exclusive")
	}

	yellow := color.New(color.FgYellow)

	if p.userID != "" {
		if !p.confirm {
			yellow.Fprintf(out, "This will delete all history for user %s.\n", p.userID)
			if !confirmed(out, in, "Are you sure? (yes/no): ", "yes") {
				fmt.Fprintln(out, "Cancelled.")
				return nil
			}
		}
		n, err := svc.DeleteAll(ctx, p.userID)
		if err != nil {
			return fmt.Errorf("deleting history for %s: %w", p.userID, err)
		}
		fmt.Fprintf(out, "Deleted %d queries for user %s\n", n, p.userID)
		return nil
	}

	if !p.confirm {
		yellow.Fprintln(out, "WARNING: This will delete ALL query history for ALL users!")
		if !confirmed(out, in, "Type 'DELETE ALL' to confirm: ", "DELETE ALL") {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
	}

	counts, err := svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("counting queries: %w", err)
	}
	total := 0
	for _, uc := range sortedCounts(counts) {
		n, err := svc.DeleteAll(ctx, uc.userID)
		if err != nil {
			return fmt.Errorf("deleting history for %s: %w", uc.userID, err)
		}
		total += n
	}
	fmt.Fprintf(out, "Deleted %d queries for %d users\n", total, len(counts))
	return nil
}

func confirmed(out io.Writer, in *bufio.Reader, question, want string) bool {
	fmt.Fprint(out, question)
	answer, err := in.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.TrimSpace(answer)
	if want == "yes" {
		return strings.EqualFold(answer, "yes")
	}
	return answer == want
}
