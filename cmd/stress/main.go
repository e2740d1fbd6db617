package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/common/configtypes"
	logutil "github.com/littb/snapshot/internal/common/logger"
	"github.com/littb/snapshot/internal/stress"
)

// errFailures makes the process exit non-zero when some requests failed
var errFailures = errors.New("some requests failed")

type globalOptions struct {
	host         string
	renderOrigin string
	concurrency  int
	timeout      time.Duration
	logLevel     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &globalOptions{}
	var logger *zap.Logger

	root := &cobra.Command{
		Use:           "stress",
		Short:         "Load and crawl a snapshot deployment",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dl, err := logutil.NewLogger(configtypes.LogConfig{
				Level:   opts.logLevel,
				Console: configtypes.ConsoleLogConfig{Enabled: true, Format: configtypes.LogFormatConsole},
			})
			if err != nil {
				return err
			}
			logger = dl.Logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.host, "host", "http://localhost:8080", "Site origin the paths are resolved against")
	flags.StringVar(&opts.renderOrigin, "render", "", "Render service origin; when set, pages are requested via /render?url=")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "Maximum simultaneous requests (0: unbounded for pages, 4 for crawl)")
	flags.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Per-request timeout")
	flags.StringVar(&opts.logLevel, "log-level", configtypes.LogLevelInfo, "Log verbosity (debug, info, warn, error)")

	root.AddCommand(
		newPagesCommand(opts, func() *zap.Logger { return logger }),
		newCrawlCommand(opts, func() *zap.Logger { return logger }),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		switch {
		case errors.Is(err, errFailures):
			os.Exit(2)
		case errors.Is(err, context.Canceled):
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

func newPagesCommand(opts *globalOptions, logger func() *zap.Logger) *cobra.Command {
	pattern := "/forfattare/HanssonGD/titlar/Senecaprogrammet/sida/%d/etext"
	from, to := 3, 104

	cmd := &cobra.Command{
		Use:   "pages",
		Short: "Request every page of a paginated work at once",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := stress.PagePaths(pattern, from, to)
			if err != nil {
				return err
			}
			logger().Info("Starting page run",
				zap.String("host", opts.host),
				zap.String("render", opts.renderOrigin),
				zap.Int("pages", len(paths)))

			fetcher := stress.NewFetcher(opts.host, opts.renderOrigin, opts.timeout)
			summary := stress.RunPages(cmd.Context(), fetcher, paths, opts.concurrency, cmd.OutOrStdout())
			summary.Print(cmd.OutOrStdout())
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			if summary.Errors > 0 {
				return errFailures
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pattern, "pattern", pattern, "Page path pattern with one %d verb")
	cmd.Flags().IntVar(&from, "from", from, "First page number, inclusive")
	cmd.Flags().IntVar(&to, "to", to, "Last page number, exclusive")
	return cmd
}

func newCrawlCommand(opts *globalOptions, logger func() *zap.Logger) *cobra.Command {
	start, prefix := "/skola", "/skola"

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Follow links under a prefix until no new page is found",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger().Info("Starting crawl",
				zap.String("host", opts.host),
				zap.String("start", start),
				zap.String("prefix", prefix))

			fetcher := stress.NewFetcher(opts.host, opts.renderOrigin, opts.timeout)
			result, err := stress.Crawl(cmd.Context(), fetcher, start, prefix, opts.concurrency, logger())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "done")
			for _, p := range result.Paths {
				fmt.Fprintln(out, p)
			}
			if len(result.Failed) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n%d pages failed:\n", len(result.Failed))
				for _, p := range result.Failed {
					fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
			}
			result.Stats.Print(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", start, "Path the crawl starts from")
	cmd.Flags().StringVar(&prefix, "prefix", prefix, "Only links starting with this prefix are followed")
	return cmd
}
