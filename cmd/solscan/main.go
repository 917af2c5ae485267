package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"solscan/internal/analysis"
	"solscan/internal/config"
	"solscan/internal/logging"
	"solscan/internal/monitor"
	"solscan/internal/sandbox"
	"solscan/internal/solc"
	"solscan/internal/storage"
	"solscan/internal/task"
	"solscan/internal/tools"
)

var (
	configFile string
	toolIDs    []string
	files      []string
	runtimeBin bool
	processes  int
	timeout    int
	cpuQuota   int64
	memLimit   string
	runID      string
	resultsDir string
	logFile    string
	overwrite  bool
	jsonOut    bool
	sarifOut   bool
	quiet      bool
	metricsOut string
	backend    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\x1b[31m%s\x1b[0m\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.DefaultSettings()

	root := &cobra.Command{
		Use:           "solscan",
		Short:         "Analyze smart contracts with a set of containerized tools",
		Version:       config.Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAnalysis,
	}

	root.PersistentFlags().StringVarP(&configFile, "configuration", "c", "", "settings file, overrides the site config")

	f := root.Flags()
	f.StringSliceVarP(&toolIDs, "tools", "t", nil, "tools to run, 'all' selects every tool")
	f.StringSliceVarP(&files, "files", "f", nil, "glob patterns or .txt lists of files, [DIR:]PATTERN")
	f.BoolVar(&runtimeBin, "runtime", defaults.Runtime, "analyze .hex files as runtime code")
	f.IntVar(&processes, "processes", defaults.Processes, "number of parallel tasks")
	f.IntVar(&timeout, "timeout", defaults.Timeout, "timeout per task in seconds, 0 for none")
	f.Int64Var(&cpuQuota, "cpu-quota", defaults.CPUQuota, "cpu quota per container (100000 = 1 cpu)")
	f.StringVar(&memLimit, "mem-limit", defaults.MemLimit, "memory limit per container, e.g. 512m or 4g")
	f.StringVar(&runID, "runid", defaults.RunID, "identifier of this run, used in the results path")
	f.StringVar(&resultsDir, "results", defaults.Results, "results directory template")
	f.StringVar(&logFile, "log", defaults.Log, "log file")
	f.BoolVar(&overwrite, "overwrite", defaults.Overwrite, "re-run tasks that already have results")
	f.BoolVar(&jsonOut, "json", defaults.JSON, "parse tool output and write result.json")
	f.BoolVar(&sarifOut, "sarif", defaults.SARIF, "parse tool output and write result.json and result.sarif")
	f.BoolVar(&quiet, "quiet", defaults.Quiet, "only write to the log file")
	f.StringVar(&metricsOut, "metrics", defaults.Metrics.Textfile, "write prometheus metrics to this textfile at exit")
	f.StringVar(&backend, "backend", defaults.Sandbox.Backend, "container backend: docker, containerd or auto")

	root.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "List the available tools and their modes",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	})
	return root
}

// fileSettings layers the defaults, the site config and the -c file.
func fileSettings() (*config.Settings, error) {
	s := config.DefaultSettings()

	if site := config.SiteConfig(); site != "" {
		if _, err := os.Stat(site); err == nil {
			if err := s.LoadFile(site); err != nil {
				return nil, err
			}
		}
	}
	if configFile != "" {
		if err := s.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// loadSettings applies the flags that were set explicitly on top of
// fileSettings.
func loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	s, err := fileSettings()
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	err = s.Update(func(s *config.Settings) {
		if changed("tools") {
			s.Tools = toolIDs
		}
		if changed("files") {
			s.Files = files
		}
		if changed("runtime") {
			s.Runtime = runtimeBin
		}
		if changed("processes") {
			s.Processes = processes
		}
		if changed("timeout") {
			s.Timeout = timeout
		}
		if changed("cpu-quota") {
			s.CPUQuota = cpuQuota
		}
		if changed("mem-limit") {
			s.MemLimit = memLimit
		}
		if changed("runid") {
			s.RunID = runID
		}
		if changed("results") {
			s.Results = resultsDir
		}
		if changed("log") {
			s.Log = logFile
		}
		if changed("overwrite") {
			s.Overwrite = overwrite
		}
		if changed("json") {
			s.JSON = jsonOut
		}
		if changed("sarif") {
			s.SARIF = sarifOut
		}
		if changed("quiet") {
			s.Quiet = quiet
		}
		if changed("metrics") {
			s.Metrics.Textfile = metricsOut
		}
		if changed("backend") {
			s.Sandbox.Backend = backend
		}
	})
	if err != nil {
		return nil, err
	}

	if err := s.Freeze(time.Now()); err != nil {
		return nil, err
	}
	return s, nil
}

func registry(s *config.Settings) (*tools.Registry, error) {
	if s.ToolsFile != "" {
		return tools.LoadFile(s.ToolsFile, s.ToolsDir)
	}
	return tools.Builtin(s.ToolsDir)
}

func runAnalysis(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	closer, err := logging.Setup(s.Quiet, s.Log, s.Overwrite)
	if err != nil {
		return err
	}
	defer closer.Close()

	log.Debug().Strs("args", os.Args).Msg("Arguments passed")
	log.Debug().Msg("Settings:\n" + s.String())
	log.Info().Msgf("Welcome to solscan %s, results in %s", config.Version, s.Results)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry(s)
	if err != nil {
		return err
	}

	be, err := sandbox.NewBackend(ctx, s.Sandbox)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			log.Warn().Err(err).Msg("backend close error")
		}
	}()

	cache := solc.NewCache(s.Solc.CacheDir, s.Solc.BaseURL, s.Solc.Platform)
	builder := task.NewBuilder(s, cache, task.NewImageCache(be))
	tasks, err := analysis.Prepare(ctx, s, reg, builder)
	if err != nil {
		return err
	}

	metrics := monitor.NewMetrics()
	opts := []analysis.Option{analysis.WithMetrics(metrics)}

	if s.Tracing.Endpoint != "" {
		shutdown, err := monitor.StartTracing(ctx, s.Tracing.Endpoint, config.Version)
		if err != nil {
			log.Warn().Err(err).Msg("tracing disabled")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					log.Warn().Err(err).Msg("trace flush failed")
				}
			}()
			opts = append(opts, analysis.WithTracer(monitor.NewTracer()))
		}
	}

	if s.Database.DSN != "" {
		writer, closeDB := openIndex(ctx, s)
		if writer != nil {
			defer closeDB()
			opts = append(opts, analysis.WithIndex(writer))
		}
	}

	a := analysis.New(sandbox.NewExecutor(be, s.Sandbox.StagingDir), opts...)
	sum, err := a.Run(ctx, tasks, s.Processes)
	if sum != nil {
		log.Info().
			Int("tasks", sum.Total).
			Int("done", sum.Done).
			Int("skipped", sum.Skipped).
			Int("timeouts", sum.TimedOut).
			Int("failed", sum.Failed).
			Msg("run summary")
	}

	if s.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(s.Metrics.Textfile); err != nil {
			log.Warn().Err(err).Str("path", s.Metrics.Textfile).Msg("failed to write metrics")
		}
	}

	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted")
	}
	return err
}

// openIndex connects the optional run index. An unreachable database only
// disables indexing.
func openIndex(ctx context.Context, s *config.Settings) (*storage.RunWriter, func()) {
	db, err := storage.New(ctx, s.Database.DSN)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, run index disabled")
		return nil, nil
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Warn().Err(err).Msg("cannot create run index schema, run index disabled")
		db.Close()
		return nil, nil
	}

	writer := storage.NewRunWriter(db, s.Database.BufferSize)
	writer.Start()
	return writer, func() {
		writer.Flush(10 * time.Second)
		db.Close()
	}
}

func runTools(cmd *cobra.Command, _ []string) error {
	s, err := fileSettings()
	if err != nil {
		return err
	}
	reg, err := registry(s)
	if err != nil {
		return err
	}
	all, err := reg.Load([]string{"all"})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tIMAGE\tPARSER\tSOLC")
	for _, t := range all {
		solcNeeded := ""
		if t.Solc {
			solcNeeded = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Mode, t.Image, t.Parser, solcNeeded)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d tools: %s\n", len(reg.IDs()), strings.Join(reg.IDs(), ", "))
	return nil
}
