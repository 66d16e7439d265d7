package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/hnsnap/internal/config"
	"github.com/JakeFAU/hnsnap/internal/hn"
	"github.com/JakeFAU/hnsnap/internal/server"
)

type crawlFlags struct {
	workers     int
	capacity    int
	timeout     time.Duration
	lists       []string
	metricsAddr string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the API and export a snapshot",
		Long: `Seeds the frontier from the configured story lists, crawls items and
their authors until quiescence, timeout or SIGINT/SIGTERM, then runs the
configured exporters and prints a summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if err := flags.apply(cmd, &cfg); err != nil {
				return err
			}
			return runCrawl(cmd.Context(), cfg, e.logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "number of workers (overrides crawler.workers)")
	cmd.Flags().IntVar(&flags.capacity, "capacity", 0, "task queue capacity (overrides crawler.queue_capacity)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "crawl time budget (overrides crawler.timeout)")
	cmd.Flags().StringSliceVar(&flags.lists, "lists", nil,
		"frontier lists: "+strings.Join(hn.ListNames(), ", ")+" (overrides crawler.lists)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "status and metrics listen address (overrides metrics.addr)")
	return cmd
}

func (f crawlFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("workers") {
		cfg.Crawler.Workers = f.workers
	}
	if changed("capacity") {
		cfg.Crawler.QueueCapacity = f.capacity
	}
	if changed("timeout") {
		cfg.Crawler.Timeout = f.timeout
	}
	if changed("lists") {
		cfg.Crawler.Lists = f.lists
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func runCrawl(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	sum, err := app.Run(ctx)
	if err != nil {
		return err
	}
	renderSummary(out, sum)
	return nil
}

func renderSummary(out io.Writer, sum server.Summary) {
	res := sum.Result
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.SetTitle("run " + res.RunID)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"reason", string(res.Reason)},
		{"duration", res.Duration.Round(time.Millisecond).String()},
		{"frontier", res.Frontier},
		{"records", res.Records},
		{"items", res.Items},
		{"users", res.Users},
		{"dropped (capacity)", res.Queue.Dropped},
		{"rejected (killed)", res.Queue.RejectedKilled},
		{"drained", res.Queue.Drained},
		{"errors transport", res.Errors.Transport},
		{"errors decode", res.Errors.Decode},
		{"errors not found", res.Errors.NotFound},
		{"errors cancelled", res.Errors.Cancelled},
	})
	if len(sum.Exports) > 0 {
		t.AppendSeparator()
		for _, o := range sum.Exports {
			status := o.Location
			if o.Err != nil {
				status = "failed: " + o.Err.Error()
			}
			t.AppendRow(table.Row{"export " + o.Name, status})
		}
	}
	if sum.NotifyErr != nil {
		t.AppendRow(table.Row{"notification", "failed: " + sum.NotifyErr.Error()})
	} else if sum.NotificationID != "" {
		t.AppendRow(table.Row{"notification", sum.NotificationID})
	}
	t.Render()
}
