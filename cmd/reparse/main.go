package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"solscan/internal/config"
	"solscan/internal/logging"
	"solscan/internal/reparse"
)

var (
	withSarif bool
	processes int
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:           "reparse [flags] DIR...",
		Short:         "Parse existing solscan results again, e.g. after a parser update",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().BoolVar(&withSarif, "sarif", false, "also write result.sarif")
	root.Flags().IntVar(&processes, "processes", 1, "number of parallel parsers")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the directories being parsed")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\x1b[31m%s\x1b[0m\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		_ = cmd.Help()
		os.Exit(1)
	}

	closer, err := logging.Setup(false, "", false)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dirs, err := reparse.Discover(args)
	if err != nil {
		return err
	}

	sum, err := reparse.Run(ctx, dirs, reparse.Options{
		SARIF:     withSarif,
		Processes: processes,
		Verbose:   verbose,
	})
	if sum != nil && verbose {
		log.Info().Int("dirs", sum.Dirs).Int("parsed", sum.Parsed).Int("skipped", sum.Skipped).Msg("reparse finished")
	}
	return err
}
