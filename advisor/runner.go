package advisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Run artifacts, relative to Config.WorkDir. All of them are removed before
// RunOnce returns.
const (
	ScratchDirName     = "slow-log"
	CombinedLogName    = "combined_slow_logs.log"
	ExtractionName     = "filtered_slow.json"
	ReportName         = "ai_query_suggestion.md"
	ReportTempName     = "temp_output.md"
	failureNoticeGrace = 5 * time.Second
)

type Runner struct {
	cfg      Config
	log      *zap.Logger
	open     func(ctx context.Context) (Session, error)
	digest   DigestRunner
	llm      Completer
	mailer   ReportSender
	notifier ChatNotifier
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)
}

type runStats struct {
	Databases        int
	QueriesSelected  int
	PlansFetched     int
	PlansEmpty       int
	Suggestions      int
	SuggestionsEmpty int
	ReportBytes      int64
	MailSent         bool
}

func NewRunner(cfg Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg: cfg,
		log: log,
		open: func(context.Context) (Session, error) {
			return OpenSession(cfg.Database)
		},
		digest:   DigestTool{Path: cfg.DigestTool, TopN: cfg.TopN},
		llm:      NewOllamaClient(cfg.LLM),
		mailer:   NewMailer(cfg.Mail, cfg.Host),
		notifier: NewWebhookClient(cfg.WebhookURL, cfg.WebhookTimeout, log),
		now:      time.Now,
	}
}

func (r *Runner) path(name string) string {
	return filepath.Join(r.cfg.WorkDir, name)
}

// RunOnce executes the whole pipeline for yesterday's logs. A returned error
// is fatal: the failure notice has already been posted and the caller should
// exit non-zero.
func (r *Runner) RunOnce(ctx context.Context) (runErr error) {
	start := time.Now()
	stats := &runStats{}
	day := r.now().AddDate(0, 0, -1)
	r.log.Info("starting the slow query log optimization process", zap.String("day", day.Format(dateStampLayout)))

	defer func() {
		if runErr != nil {
			r.Fail(runErr)
		}
		r.log.Info("run_once done",
			zap.Int("databases", stats.Databases),
			zap.Int("queries", stats.QueriesSelected),
			zap.Int("plans", stats.PlansFetched),
			zap.Int("plans_empty", stats.PlansEmpty),
			zap.Int("suggestions", stats.Suggestions),
			zap.Int("suggestions_empty", stats.SuggestionsEmpty),
			zap.String("report_size", humanize.Bytes(uint64(stats.ReportBytes))),
			zap.Bool("mail_sent", stats.MailSent),
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("ok", runErr == nil))
	}()
	defer r.removeArtifacts()

	if checker, ok := r.digest.(interface{ Check() error }); ok {
		if err := checker.Check(); err != nil {
			return err
		}
	}

	sess, err := r.open(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", r.cfg.Database.Addr(), err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			r.log.Warn("close database connection", zap.Error(err))
			return
		}
		r.log.Info("database connection closed")
	}()

	collected, err := CollectSlowLogs(ctx, sess, CollectOptions{
		Day:          day,
		ScratchDir:   r.path(ScratchDirName),
		CombinedPath: r.path(CombinedLogName),
	}, r.log)
	if err != nil {
		return err
	}
	r.log.Info("slow logs copied and combined", zap.String("version", collected.Version))

	if _, err := ExtractQueries(ctx, r.digest, collected.CombinedPath, r.path(ExtractionName), r.cfg.TopN); err != nil {
		return err
	}
	r.remove(collected.CombinedPath)
	r.log.Info("top slow queries extracted", zap.String("path", r.path(ExtractionName)))

	queries, err := ReadExtraction(r.path(ExtractionName))
	if err != nil {
		return err
	}
	if checker, ok := r.llm.(ModelChecker); ok && queries.Len() > 0 {
		if err := checker.CheckModel(ctx); err != nil {
			return &SuggestionError{Err: err}
		}
	}
	suggestions := r.suggestAll(ctx, sess, queries, collected.Version, stats)
	r.remove(r.path(ExtractionName))
	if len(suggestions) == 0 {
		return ErrNoSuggestions
	}

	size, err := WriteReport(r.path(ReportName), r.path(ReportTempName), r.cfg.Host, suggestions)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	stats.ReportBytes = size
	if size < r.cfg.MinReportBytes {
		r.log.Info("report smaller than expected, not sending",
			zap.Int64("bytes", size), zap.Int64("min_bytes", r.cfg.MinReportBytes))
		return nil
	}
	r.log.Info("optimization suggestions written to file", zap.String("size", humanize.Bytes(uint64(size))))

	if err := r.mailer.SendReport(ctx, r.path(ReportName), day); err != nil {
		r.log.Error("failed to send mail", zap.Error(err))
		return nil
	}
	stats.MailSent = true
	r.log.Info("sent mail successfully", zap.Strings("to", r.cfg.Mail.Recipients), zap.Strings("cc", r.cfg.Mail.CC))
	return nil
}

func (r *Runner) suggestAll(ctx context.Context, sess Session, queries QuerySet, version string, stats *runStats) []Suggestion {
	suggester := &Suggester{LLM: r.llm, Delay: r.cfg.LLM.Delay, Log: r.log, Sleep: r.sleep}
	stats.Databases = len(queries)
	var out []Suggestion
	for _, db := range queries {
		for _, q := range db.Queries {
			stats.QueriesSelected++
			query := NormalizeQuery(q)
			plan := FetchPlan(ctx, sess, query, db.Database, r.log)
			if plan == "" {
				stats.PlansEmpty++
				continue
			}
			stats.PlansFetched++
			text := suggester.Suggest(ctx, query, plan, version)
			if text == "" {
				stats.SuggestionsEmpty++
				continue
			}
			stats.Suggestions++
			out = append(out, Suggestion{Database: db.Database, Query: query, Plan: plan, Text: text})
		}
	}
	return out
}

// Fail logs a fatal run error and posts the short failure notice. The notice
// is best effort: its outcome is only logged.
func (r *Runner) Fail(err error) NotifyResult {
	msg := fmt.Sprintf("Exception occurred during execution: %v, on host %s", err, r.cfg.Host)
	var nl *NoLogsFoundError
	var ce *ConfigError
	switch {
	case errors.As(err, &nl):
		msg = fmt.Sprintf("No slow logs files found for yesterday %s aborting script on host %s", nl.Stamp, r.cfg.Host)
	case errors.As(err, &ce):
		msg = fmt.Sprintf("%v on host %s", err, r.cfg.Host)
	case errors.Is(err, ErrNoSuggestions):
		msg = fmt.Sprintf("No AI suggestions received on host: %s", r.cfg.Host)
	}
	r.log.Error(msg, zap.Error(err))
	r.log.Error("query analysis aborted")

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WebhookTimeout+failureNoticeGrace)
	defer cancel()
	return r.notifier.Notify(ctx, msg)
}

func (r *Runner) removeArtifacts() {
	for _, name := range []string{CombinedLogName, ExtractionName, ReportName, ReportTempName} {
		r.remove(r.path(name))
	}
	if err := os.RemoveAll(r.path(ScratchDirName)); err != nil {
		r.log.Warn("remove scratch dir", zap.Error(err))
	}
}

func (r *Runner) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.log.Warn("remove artifact", zap.String("path", path), zap.Error(err))
	}
}
