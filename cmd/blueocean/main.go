package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/number0/blueocean-plugin/internal/api"
	"github.com/number0/blueocean-plugin/internal/config"
	"github.com/number0/blueocean-plugin/internal/doctor"
	"github.com/number0/blueocean-plugin/internal/events"
	"github.com/number0/blueocean-plugin/internal/flow"
	"github.com/number0/blueocean-plugin/internal/graph"
	"github.com/number0/blueocean-plugin/internal/graphcache"
	"github.com/number0/blueocean-plugin/internal/ingest"
	"github.com/number0/blueocean-plugin/internal/inspect"
	"github.com/number0/blueocean-plugin/internal/lock"
	"github.com/number0/blueocean-plugin/internal/log"
	"github.com/number0/blueocean-plugin/internal/pipeline"
	"github.com/number0/blueocean-plugin/internal/runstore"
	"github.com/number0/blueocean-plugin/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "status":
		return runStatus(args)
	case "import":
		return runImport(args)
	case "runs":
		return runRuns(args)
	case "graph":
		return runGraph(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`blueocean - pipeline graph normalizer and status aggregator

Usage:
  blueocean <command> [flags]

Commands:
  start                 Serve the REST API in the foreground
  status                Show database and server lock status
  import --file <yaml>  Record a trace file as a run
  runs                  List recorded runs, newest first
  graph <run-id>        Render the normalized graph of a run
  config check          Validate the configuration
  version               Show version information
  help                  Show this help message

Every command accepts --config <path>. Without it the config is taken from
$BLUEOCEAN_CONFIG, ~/.config/blueocean/config.yaml or ./config.yaml, and
built-in defaults apply when none exists.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("blueocean %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

// app bundles what the data commands need from one config.
type app struct {
	cfg   *config.Config
	db    *sql.DB
	runs  *runstore.Store
	graph *pipeline.Service
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// Logs go to stderr so command output stays parseable.
	log.SetupWriter(cfg.Service.LogLevel, os.Stderr)

	classifier, err := cfg.Classifier()
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", cfg.State.Path, err)
	}

	var cache *graphcache.Cache
	if cfg.Cache.Enabled {
		cache = graphcache.New(cfg.Cache.MaxEntries)
	}

	runs := runstore.New(db)
	builder := graph.NewBuilder(graph.WithClassifier(classifier))
	return &app{
		cfg:   cfg,
		db:    db,
		runs:  runs,
		graph: pipeline.New(runs, builder, cache, log.WithComponent("pipeline")),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer a.Close()

	logger := log.WithComponent("main")
	logger.Info("blueocean starting", "version", version, "config", a.cfg.SourcePath, "state", a.cfg.State.Path)

	if !a.cfg.API.Enabled {
		logger.Error("api is disabled; nothing to serve", "config", a.cfg.SourcePath)
		return 1
	}

	lockPath := lock.PathFor(a.cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired lock", "path", lockPath)

	hub := events.NewHub(a.cfg.API.EventsBuffer)
	server := api.New(api.Config{
		Listen:   a.cfg.API.Listen,
		BasePath: a.cfg.API.BasePath,
		APIKey:   a.cfg.API.Auth.APIKey,
		Tokens:   a.cfg.APITokens(),
	}, a.runs, a.graph, hub, log.WithComponent("api"))

	logger.Info("blueocean running (press Ctrl+C to stop)")
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api server failed", "error", err)
		return 1
	}

	logger.Info("blueocean stopped")
	return 0
}

type statusReport struct {
	Config        string `json:"config"`
	State         string `json:"state"`
	SchemaVersion int64  `json:"schema_version"`
	Runs          int    `json:"runs"`
	ServerPID     int    `json:"server_pid,omitempty"`
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}
	defer a.Close()

	rep := statusReport{Config: a.cfg.SourcePath, State: a.cfg.State.Path}
	if rep.Config == "" {
		rep.Config = "(defaults)"
	}
	if rep.SchemaVersion, err = storage.SchemaVersion(ctx, a.db); err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}
	runs, err := a.runs.ListRuns(ctx, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}
	rep.Runs = len(runs)
	rep.ServerPID = serverPID(lock.PathFor(a.cfg.State.Path))

	if *jsonOut {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Config  : %s\n", rep.Config)
	fmt.Printf("State   : %s (schema v%d)\n", rep.State, rep.SchemaVersion)
	fmt.Printf("Runs    : %d\n", rep.Runs)
	if rep.ServerPID > 0 {
		fmt.Printf("Server  : running (pid %d)\n", rep.ServerPID)
	} else {
		fmt.Printf("Server  : stopped\n")
	}
	return 0
}

// serverPID returns the PID of a live server holding the lock, or 0.
func serverPID(path string) int {
	l, err := lock.Acquire(path)
	if err == nil {
		_ = l.Release()
		return 0
	}
	var held *lock.HeldError
	if errors.As(err, &held) {
		return held.PID
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	file := fs.String("file", "", "Trace YAML file to import")
	runID := fs.String("run", "", "Append to an existing run instead of creating one")
	pipelineName := fs.String("pipeline", "", "Pipeline name for the new run (default: from trace or file name)")
	follow := fs.Bool("follow", false, "Keep appending as the trace grows, until it is marked finished")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: blueocean import --file <trace.yaml> [--run <id>] [--pipeline <name>] [--follow]")
		return 1
	}

	trace, err := flow.LoadTrace(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}
	defer a.Close()

	id := *runID
	if id == "" {
		name := *pipelineName
		if name == "" {
			name = trace.Pipeline
		}
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(*file), filepath.Ext(*file))
		}
		run, err := a.runs.CreateRun(ctx, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
			return 1
		}
		id = run.ID
	}

	if *follow {
		return followTrace(ctx, a, id, *file)
	}

	if err := a.runs.AppendNodes(ctx, id, trace.Nodes...); err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}
	if trace.Finished {
		if _, err := a.runs.Finish(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
			return 1
		}
	}

	log.WithRun(id).Info("trace imported", "file", *file, "nodes", len(trace.Nodes), "finished", trace.Finished)
	fmt.Printf("Imported %d node(s) into run %s\n", len(trace.Nodes), id)
	return 0
}

// followTrace mirrors a growing trace into run id. Nodes the run already
// holds are taken to be the start of the trace.
func followTrace(ctx context.Context, a *app, id, file string) int {
	logger := log.WithRun(id)
	f, err := ingest.NewFollower(ctx, a.runs, id, file, ingest.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "Following %s into run %s (press Ctrl+C to stop)\n", file, id)
	err = f.Follow(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}

	logger.Info("trace followed", "file", file, "nodes", f.Recorded(), "finished", err == nil)
	fmt.Printf("Imported %d node(s) into run %s\n", f.Recorded(), id)
	return 0
}

type runRow struct {
	ID        string     `json:"id"`
	Pipeline  string     `json:"pipeline"`
	Finished  bool       `json:"finished"`
	Nodes     int        `json:"nodes"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"finished_at,omitempty"`
}

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum runs to list (0 for all)")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing runs failed: %v\n", err)
		return 1
	}
	defer a.Close()

	runs, err := a.runs.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing runs failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		rows := make([]runRow, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, runRow{ID: r.ID, Pipeline: r.Pipeline, Finished: r.Finished, Nodes: r.NodeCount, CreatedAt: r.CreatedAt, EndedAt: r.FinishedAt})
		}
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render runs JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Pipeline", "Status", "Nodes", "Created"})
	for _, r := range runs {
		status := "running"
		if r.Finished {
			status = "finished"
		}
		tw.AppendRow(table.Row{r.ID, r.Pipeline, status, r.NodeCount, r.CreatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
	fmt.Printf("(%d runs)\n", len(runs))
	return 0
}

func runGraph(args []string) int {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	plain := fs.Bool("plain", false, "Disable colors")

	// Allow the run id before or after flags.
	var runID string
	var rest []string
	for _, arg := range args {
		if runID == "" && !strings.HasPrefix(arg, "-") && (len(rest) == 0 || !needsValue(rest[len(rest)-1])) {
			runID = arg
			continue
		}
		rest = append(rest, arg)
	}
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: blueocean graph <run-id> [--json] [--plain]")
		return 1
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Graph failed: %v\n", err)
		return 1
	}
	defer a.Close()

	run, err := a.runs.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Graph failed: %v\n", err)
		return 1
	}
	g, err := a.graph.BuildPipelineGraph(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Graph failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := inspect.BuildJSONReport(run, g)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render graph JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}

	theme := inspect.NewDefaultTheme()
	if *plain {
		theme = inspect.NewPlainTheme()
	}
	fmt.Print(inspect.BuildReport(run, g, theme))
	return 0
}

func needsValue(flagArg string) bool {
	name := strings.TrimLeft(flagArg, "-")
	return name == "config" && !strings.Contains(flagArg, "=")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: blueocean config check [--config <path>] [--json]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		if *jsonOut {
			out, _ := doctor.FormatJSON(&doctor.Result{
				Errors: []doctor.Issue{{Category: "config", Message: err.Error()}},
			})
			fmt.Println(out)
		} else {
			fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		}
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
		if result.Fingerprint != "" {
			fmt.Printf("Fingerprint: %s\n", result.Fingerprint)
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}
