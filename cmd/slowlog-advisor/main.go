package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"slowlog-advisor/advisor"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	configPath     string
	envFile        string
	workDir        string
	logFile        string
	debug          bool
	topN           int
	digestTool     string
	llmDelay       time.Duration
	minReportBytes int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "slowlog-advisor:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "slowlog-advisor",
		Short: "Mail AI optimization suggestions for yesterday's slowest MySQL queries",
		Long: `slowlog-advisor collects the MySQL slow log rotated yesterday, ranks its
SELECT statements with pt-query-digest, asks a language model for optimization
suggestions per query plan, and mails the report.

Meant to run once a day from crontab. Exits 1 on any fatal error after posting
a failure notice to the chat webhook.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	bindFlags(cmd.Flags(), opts)
	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	f.StringVar(&opts.configPath, "config", "", "YAML config file path (optional).")
	f.StringVar(&opts.envFile, "env-file", ".env", "Environment file holding connection details and credentials.")
	f.StringVar(&opts.workDir, "work-dir", ".", "Directory for run artifacts (overrides config.work_dir).")
	f.StringVar(&opts.logFile, "log-file", advisor.DefaultLogFile, "Run log path (overrides config.log_file).")
	f.BoolVar(&opts.debug, "debug", false, "Enable debug logs.")
	f.IntVar(&opts.topN, "top-n", advisor.DefaultTopN, "Number of ranked queries requested from the digest tool.")
	f.StringVar(&opts.digestTool, "digest-tool", advisor.DefaultDigestTool, "Digest executable name or path.")
	f.DurationVar(&opts.llmDelay, "llm-delay", advisor.DefaultLLMDelay, "Pause after every language model call.")
	f.Int64Var(&opts.minReportBytes, "min-report-bytes", advisor.DefaultMinReportBytes, "Reports smaller than this are not mailed.")
}

func run(cmd *cobra.Command, opts *options) error {
	fileCfg := &advisor.FileConfig{}
	var fileErr error
	if opts.configPath != "" {
		fileCfg, fileErr = advisor.LoadFileConfig(opts.configPath)
		if fileErr != nil {
			fileCfg = &advisor.FileConfig{}
		}
	}
	mergeFlags(cmd.Flags(), opts, fileCfg)

	host := advisor.HostID()
	logFile := fileCfg.LogFile
	if logFile == "" {
		logFile = advisor.DefaultLogFile
	}
	logger, err := advisor.NewLogger(logFile, fileCfg.Debug, host)
	if err != nil {
		notifyWithoutLogger(opts.envFile, fileCfg.WebhookTimeout, host, err)
		return err
	}
	defer func() { _ = logger.Sync() }()

	env, envErr := advisor.LoadEnv(opts.envFile)
	if envErr == nil {
		logger.Info(".env file present", zap.String("path", opts.envFile))
	}
	cfg, cfgErr := advisor.NewConfig(fileCfg, env)
	cfg.Host = host

	runner := advisor.NewRunner(cfg, logger)
	for _, err := range []error{fileErr, envErr, cfgErr} {
		if err != nil {
			runner.Fail(err)
			return err
		}
	}
	return runner.RunOnce(context.Background())
}

// notifyWithoutLogger posts the failure notice when the run log cannot be
// opened. The webhook URL is read straight from the env file.
func notifyWithoutLogger(envFile string, timeout time.Duration, host string, cause error) advisor.NotifyResult {
	env, _ := advisor.LoadEnv(envFile)
	msg := fmt.Sprintf("Exception occurred during execution: %v, on host %s", cause, host)
	return advisor.NewWebhookClient(env.Get("WEBHOOK_URL"), timeout, zap.NewNop()).Notify(context.Background(), msg)
}

// mergeFlags applies command line values over the config file, but only for
// flags that were set explicitly or that the file leaves empty.
func mergeFlags(f *pflag.FlagSet, opts *options, fc *advisor.FileConfig) {
	changed := f.Changed
	if changed("work-dir") || fc.WorkDir == "" {
		fc.WorkDir = opts.workDir
	}
	if changed("log-file") || fc.LogFile == "" {
		fc.LogFile = opts.logFile
	}
	if changed("debug") {
		fc.Debug = opts.debug
	}
	if changed("top-n") || fc.TopN == 0 {
		fc.TopN = opts.topN
	}
	if changed("digest-tool") || fc.DigestTool == "" {
		fc.DigestTool = opts.digestTool
	}
	if changed("llm-delay") || fc.LLMDelay == nil {
		d := opts.llmDelay
		fc.LLMDelay = &d
	}
	if changed("min-report-bytes") || fc.MinReportBytes == 0 {
		fc.MinReportBytes = opts.minReportBytes
	}
}
