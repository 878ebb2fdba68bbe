package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/grader/internal/document"
	"github.com/pavelanni/grader/internal/grading"
	"github.com/pavelanni/grader/internal/handler"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "grader",
		Short: "Grade student submissions against versioned answer keys",
	}

	serve := serveCmd()
	root.AddCommand(serve, templateCmd(), submitCmd(), gradeCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `grader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("store", store.BackendSQLite, "Store backend (sqlite, redis, postgres)")
	f.String("db", "grader.db", "SQLite database path")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL")
	f.String("redis-namespace", "grader", "Redis key namespace")
	f.String("postgres-url", "", "PostgreSQL connection URL")
	f.Int32("postgres-conns", 8, "PostgreSQL pool size")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addGradingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	d := model.DefaultGradingConfig()
	f.String("llm-provider", string(llm.ProviderOpenAI), "Extraction provider (openai, gemini)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float64("max-per-question", d.MaxPerQuestion, "Points for a fully correct answer")
	f.Float64("fuzzy-threshold", d.FuzzyThreshold, "Minimum question similarity for a fuzzy match (0..1)")
	f.Float64("numeric-epsilon", d.NumericEpsilon, "Absolute tolerance for numeric answers")
	f.Float64("help-flag-threshold", d.HelpFlagThreshold, "Help confidence at which an answer is flagged (0..1)")
	f.Bool("partial-credit", d.PartialCredit, "Award half credit for numeric answers within tolerance")
	f.Float64("partial-credit-tolerance", d.PartialCreditTolerance, "Relative tolerance for partial credit")
	f.Bool("points-from-key", d.PointsFromKey, "Use per-question points from the answer key")
	f.StringSlice("help-markers", nil, "Extra phrases that signal a request for help")
	f.IntP("concurrency", "c", d.Concurrency, "Submissions graded in parallel")
	f.Duration("extract-timeout", d.ExtractTimeout, "Timeout per extraction attempt")
	f.Int("extract-attempts", d.ExtractAttempts, "Extraction attempts per document")
	f.Float64("extract-rate", d.ExtractRate, "Extraction requests per second (0 = unlimited)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	addCommonFlags(cmd)
	addGradingFlags(cmd)
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage answer key templates",
	}

	create := &cobra.Command{
		Use:   "create FILE",
		Short: "Extract an answer key and store it as a new template version",
		Args:  cobra.ExactArgs(1),
		RunE:  runTemplateCreate,
	}
	create.Flags().String("template-id", "", "Template lineage to add a version to (default: derived from the file)")
	addCommonFlags(create)
	addGradingFlags(create)

	show := &cobra.Command{
		Use:   "show",
		Short: "Print a template version as JSON",
		RunE:  runTemplateShow,
	}
	show.Flags().String("template-id", "", "Template lineage (default: most recently created)")
	show.Flags().Int("version", 0, "Template version (0 = latest)")
	addCommonFlags(show)

	list := &cobra.Command{
		Use:   "list",
		Short: "List template lineages",
		RunE:  runTemplateList,
	}
	addCommonFlags(list)

	cmd.AddCommand(create, show, list)
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit PATH...",
		Short: "Extract and store student submissions from files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSubmit,
	}
	addCommonFlags(cmd)
	addGradingFlags(cmd)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade [PATH...]",
		Short: "Grade stored submissions, or the given files, against a template",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.String("template-id", "", "Template lineage (default: most recently created)")
	f.Int("version", 0, "Template version (0 = latest)")
	f.StringSlice("submission-id", nil, "Grade only these stored submissions")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(cmd)
	addGradingFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded results for a template version as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("template-id", "", "Template lineage (default: last graded, else most recently created)")
	f.Int("version", 0, "Template version (0 = latest)")
	f.Float64("help-flag-threshold", model.DefaultHelpFlagThreshold, "Help confidence at which an answer is flagged (0..1)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(cmd)
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("GRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("grader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/grader")
	v.AddConfigPath("/etc/grader")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// app holds what a command needs once flags are resolved.
type app struct {
	v     *viper.Viper
	store *store.Store
	ctx   context.Context
}

// setup configures logging and messages and opens the store. The returned
// cleanup closes the store and stops signal handling.
func setup(cmd *cobra.Command) (*app, func(), error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	ctx = appI18n.Context(ctx, lang)

	kv, err := store.Open(ctx, store.Options{
		Backend:        v.GetString("store"),
		SQLitePath:     v.GetString("db"),
		RedisURL:       v.GetString("redis-url"),
		RedisNamespace: v.GetString("redis-namespace"),
		PostgresURL:    v.GetString("postgres-url"),
		PostgresConns:  v.GetInt32("postgres-conns"),
	})
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	st := store.New(kv)
	cleanup := func() {
		if err := st.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
		stop()
	}
	return &app{v: v, store: st, ctx: ctx}, cleanup, nil
}

// gradingConfig reads the grading policy knobs and validates them.
func gradingConfig(v *viper.Viper) (model.GradingConfig, error) {
	cfg := model.DefaultGradingConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("read grading configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

// orchestrator builds the grading orchestrator with the configured
// extractor. The returned close function releases the extractor.
func (a *app) orchestrator() (*grading.Orchestrator, func(), error) {
	cfg, err := gradingConfig(a.v)
	if err != nil {
		return nil, nil, err
	}
	ex, err := llm.New(a.ctx, llm.Config{
		Provider: llm.Provider(strings.ToLower(a.v.GetString("llm-provider"))),
		BaseURL:  a.v.GetString("llm-url"),
		APIKey:   a.v.GetString("llm-key"),
		Model:    a.v.GetString("llm-model"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create LLM client: %w", err)
	}
	orch, err := grading.New(a.store.Templates, a.store.Results, cfg,
		grading.WithExtractor(ex),
		grading.WithSubmissions(a.store.Submissions),
	)
	if err != nil {
		_ = ex.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := ex.Close(); err != nil {
			slog.Warn("close LLM client", "error", err)
		}
	}
	return orch, closeFn, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, closeLLM, err := a.orchestrator()
	if err != nil {
		return err
	}
	defer closeLLM()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(a.v.GetString("lang")))
	handler.New(a.store, orch).Routes(r)

	addr := a.v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-a.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	cfg := orch.Config()
	slog.Info("starting server",
		"addr", addr,
		"store", a.v.GetString("store"),
		"llm_provider", a.v.GetString("llm-provider"),
		"model", a.v.GetString("llm-model"),
		"lang", a.v.GetString("lang"),
		"concurrency", cfg.Concurrency,
		"fuzzy_threshold", cfg.FuzzyThreshold,
		"max_per_question", cfg.MaxPerQuestion,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, closeLLM, err := a.orchestrator()
	if err != nil {
		return err
	}
	defer closeLLM()

	doc, err := document.ReadFile(args[0])
	if err != nil {
		return err
	}
	tmpl, created, err := orch.AnalyzeTemplate(a.ctx, doc, a.v.GetString("template-id"))
	if err != nil {
		return err
	}

	data := map[string]any{"TemplateID": tmpl.TemplateID, "Version": tmpl.Version, "Questions": len(tmpl.Records)}
	msgID := "TemplateUnchanged"
	if created {
		msgID = "TemplateCreated"
	}
	fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Td(a.ctx, msgID, data))
	return writeJSON(cmd, "-", tmpl)
}

func runTemplateShow(cmd *cobra.Command, _ []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	id, version := a.v.GetString("template-id"), a.v.GetInt("version")
	var tmpl model.Template
	if id != "" && version > 0 {
		tmpl, err = a.store.Templates.Version(a.ctx, id, version)
	} else {
		tmpl, err = a.store.Templates.Latest(a.ctx, id)
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd, "-", tmpl)
}

func runTemplateList(cmd *cobra.Command, _ []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := a.store.Templates.List(a.ctx)
	if err != nil {
		return err
	}
	return writeJSON(cmd, "-", list)
}

// readDocuments reads files and the supported files of directories.
func readDocuments(paths []string) ([]model.Document, error) {
	var docs []model.Document
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			dirDocs, err := document.ReadDir(p)
			if err != nil {
				return nil, err
			}
			docs = append(docs, dirDocs...)
			continue
		}
		doc, err := document.ReadFile(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func upload(a *app, cmd *cobra.Command, orch *grading.Orchestrator, paths []string) ([]model.Submission, error) {
	docs, err := readDocuments(paths)
	if err != nil {
		return nil, err
	}
	subs, err := orch.UploadSubmissions(a.ctx, docs)
	if err != nil {
		return nil, err
	}
	failed := 0
	for _, s := range subs {
		if s.Status == model.SubmissionFailed {
			failed++
			slog.Warn("submission failed extraction", "submission_id", s.SubmissionID, "ref", s.SourceDocumentRef, "error", s.Error)
		}
	}
	fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Tp(a.ctx, "SubmissionsUploaded", len(subs)))
	if failed > 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), appI18n.Tp(a.ctx, "SubmissionsFailedExtraction", failed))
	}
	return subs, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, closeLLM, err := a.orchestrator()
	if err != nil {
		return err
	}
	defer closeLLM()

	subs, err := upload(a, cmd, orch, args)
	if err != nil {
		return err
	}
	return writeJSON(cmd, "-", subs)
}

func runGrade(cmd *cobra.Command, args []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	orch, closeLLM, err := a.orchestrator()
	if err != nil {
		return err
	}
	defer closeLLM()

	var subs []model.Submission
	switch ids := a.v.GetStringSlice("submission-id"); {
	case len(args) > 0:
		if subs, err = upload(a, cmd, orch, args); err != nil {
			return err
		}
	case len(ids) > 0:
		for _, id := range ids {
			sub, err := a.store.Submissions.Get(a.ctx, id)
			if err != nil {
				return err
			}
			subs = append(subs, sub)
		}
	default:
		if subs, err = a.store.Submissions.List(a.ctx, model.SubmissionExtracted); err != nil {
			return err
		}
	}
	if len(subs) == 0 {
		return errors.New(appI18n.T(a.ctx, "NoSubmissions"))
	}

	ref := grading.TemplateRef{TemplateID: a.v.GetString("template-id"), Version: a.v.GetInt("version")}
	batch, gradeErr := orch.GradeBatch(a.ctx, ref, grading.JobsFor(subs))
	if gradeErr != nil && batch.BatchID == "" {
		return gradeErr
	}

	if batch.TemplateID != "" {
		if err := a.store.MarkGraded(a.ctx, batch.TemplateID); err != nil {
			slog.Warn("record graded template", "template_id", batch.TemplateID, "error", err)
		}
	}

	out := cmd.ErrOrStderr()
	for _, gs := range batch.Results {
		fmt.Fprintln(out, appI18n.Td(a.ctx, "ResultLine", map[string]any{
			"Student": gs.StudentIdentifier,
			"Score":   gs.TotalScore,
			"Max":     gs.MaxPossibleScore,
			"Percent": gs.Summary.Percent,
		}))
	}
	for id, reason := range batch.FailedSubmissions {
		slog.Warn("submission not graded", "submission_id", id, "reason", reason)
	}
	fmt.Fprintln(out, appI18n.Td(a.ctx, "BatchGraded", map[string]any{
		"Succeeded":  batch.Summary.Succeeded,
		"Total":      batch.Summary.Submissions,
		"Failed":     batch.Summary.Failed,
		"TemplateID": batch.TemplateID,
		"Version":    batch.TemplateVersion,
		"Mean":       fmt.Sprintf("%.2f", batch.Summary.MeanScore),
	}))
	if n := batch.Summary.HelpFlaggedSubs; n > 0 {
		fmt.Fprintln(out, appI18n.Tp(a.ctx, "HelpFlagged", n))
	}

	if err := writeJSON(cmd, a.v.GetString("output"), batch); err != nil {
		return err
	}
	return gradeErr
}

func runExport(cmd *cobra.Command, _ []string) error {
	a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	templateID := a.v.GetString("template-id")
	if templateID == "" {
		if templateID, err = a.store.DefaultTemplateID(a.ctx); err != nil {
			return fmt.Errorf("resolve template: %w", err)
		}
	}

	export, err := a.store.Export(a.ctx, templateID, a.v.GetInt("version"), a.v.GetFloat64("help-flag-threshold"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}
	return writeJSON(cmd, a.v.GetString("output"), export)
}

// writeJSON writes v as indented JSON to outPath, or to the command's
// output when outPath is empty or "-".
func writeJSON(cmd *cobra.Command, outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}
