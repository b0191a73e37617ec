// Package main is the flowtabs command line tool.
//
// flowtabs stores a flow document as one JSON file per tab under
// <user-dir>/flows. It loads and saves documents, manages git-backed projects
// and, with "serve", mirrors the document over MQTT or Redis. Configuration
// is read from <user-dir>/settings.yaml, then from FLOWTABS_* variables in
// <user-dir>/.env, then from CLI flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/flowtabs/internal/config"
	"github.com/maruel/flowtabs/internal/mirror"
	"github.com/maruel/flowtabs/internal/project"
	"github.com/maruel/flowtabs/internal/storage/flows"
	"github.com/maruel/flowtabs/internal/storage/git"
	"github.com/maruel/flowtabs/internal/watch"
)

// watchDebounce is how long file changes must settle before a republish.
const watchDebounce = 500 * time.Millisecond

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "flowtabs: %v\n", err)
		os.Exit(1)
	}
}

const usage = `usage: flowtabs [flags] <command> [args]

Commands:
  load                    print the flow document
  save [file]             save a flow document read from file or stdin
  serve                   mirror the flow document until interrupted
  schema                  print the JSON schema of settings.yaml
  projects list           list projects
  projects create <name>  create a project
  projects use <name>     make a project active for this invocation
  projects delete <name>  delete a project

Flags:
`

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	userDir := flag.String("user-dir", ".", "User directory holding the flows")
	settingsPath := flag.String("settings", "", "Settings file (default <user-dir>/settings.yaml)")
	flowFile := flag.String("flow-file", "", "Primary flow file (default flows_<hostname>.json)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pretty := flag.Bool("pretty", false, "Write files with 4-space indentation")
	sortFlows := flag.Bool("sort", false, "Sort nodes in tab files")
	readOnly := flag.Bool("read-only", false, "Never write files")
	projectName := flag.String("project", "", "Active project")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case int64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if *settingsPath == "" {
		*settingsPath = filepath.Join(*userDir, config.SettingsFile)
	}
	settings, err := config.Load(*settingsPath)
	if err != nil {
		return err
	}
	env, err := config.LoadDotEnv(*userDir)
	if err != nil {
		return err
	}
	if err := settings.ApplyEnv(env); err != nil {
		return err
	}
	if !set["log-level"] {
		if v := env["FLOWTABS_LOG_LEVEL"]; v != "" {
			*logLevel = v
		}
	}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	if args[0] == "schema" {
		b, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%s\n", b)
		return err
	}

	if set["user-dir"] || settings.UserDir == "" {
		settings.UserDir = *userDir
	}
	if set["flow-file"] {
		settings.FlowFile = *flowFile
	}
	if set["pretty"] {
		settings.FlowFilePretty = *pretty
	}
	if set["read-only"] {
		settings.ReadOnly = *readOnly
	}
	if set["project"] {
		settings.Projects.Enabled = true
		settings.Projects.ActiveProject = *projectName
	}
	sorted := *sortFlows
	if !set["sort"] && settings.OneFilePerTab != nil {
		sorted = settings.OneFilePerTab.SortFlows
	}

	dir, err := filepath.Abs(settings.UserDir)
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	flowPath := config.ResolveFlowFile(settings.FlowFile, dir, cwd, hostname)
	store := flows.New(flows.Options{
		UserDir:         dir,
		FlowFile:        flowPath,
		CredentialsFile: config.CredentialsFile(flowPath, dir),
		Pretty:          settings.FlowFilePretty,
		ReadOnly:        settings.ReadOnly,
		SortFlows:       sorted,
	})
	mgr := project.NewManager(filepath.Join(dir, "projects"), store, git.Author{})
	if settings.Projects.Enabled && settings.Projects.ActiveProject != "" && args[0] != "projects" {
		if _, err := mgr.SetActive(ctx, settings.Projects.ActiveProject); err != nil {
			return err
		}
	} else if settings.Projects.Enabled && args[0] != "projects" {
		slog.WarnContext(ctx, "No active project, using the user directory")
	}

	switch args[0] {
	case "load":
		if len(args) != 1 {
			return fmt.Errorf("unknown arguments: %v", args[1:])
		}
		return cmdLoad(ctx, store, settings.FlowFilePretty)
	case "save":
		if len(args) > 2 {
			return fmt.Errorf("unknown arguments: %v", args[2:])
		}
		if settings.OneFilePerTab != nil {
			t, err := mirror.Dial(ctx, settings.OneFilePerTab.Mirror())
			if err != nil {
				return err
			}
			defer func() { _ = t.Close() }()
			store.SetPublisher(mirror.New(settings.OneFilePerTab.Mirror(), t, store))
		}
		return cmdSave(ctx, store, args[1:])
	case "serve":
		if len(args) != 1 {
			return fmt.Errorf("unknown arguments: %v", args[1:])
		}
		return cmdServe(ctx, store, settings.OneFilePerTab)
	case "projects":
		return cmdProjects(ctx, mgr, args[1:])
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func cmdLoad(ctx context.Context, store *flows.Store, pretty bool) error {
	doc, err := store.GetFlows(ctx)
	if err != nil {
		return err
	}
	b, err := flows.MarshalDocument(doc, pretty)
	if err != nil {
		return err
	}
	_, err = fmt.Printf("%s\n", b)
	return err
}

func cmdSave(ctx context.Context, store *flows.Store, args []string) error {
	var data []byte
	var err error
	if len(args) == 1 && args[0] != "-" {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return err
	}
	doc, err := flows.ParseDocument(data)
	if err != nil {
		return fmt.Errorf("invalid flow document: %w", err)
	}
	return store.SaveFlows(ctx, doc)
}

func cmdServe(ctx context.Context, store *flows.Store, cfg *config.OneFilePerTab) error {
	if _, err := store.GetFlows(ctx); err != nil {
		slog.WarnContext(ctx, "Initial load failed", "err", err)
	}
	if cfg == nil {
		return errors.New("serve requires the oneFilePerTab settings")
	}
	mcfg := cfg.Mirror()
	t, err := mirror.Dial(ctx, mcfg)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()
	m := mirror.New(mcfg, t, store)
	store.SetPublisher(m)

	w, err := watch.New(store.TabDir(), watchDebounce, func() {
		// Changes made by our own saves are already published.
		if time.Since(store.LastSave()) < 2*watchDebounce {
			return
		}
		m.Trigger()
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Serving", "broker", mcfg.URL(), "dir", store.TabDir(), "publish", mcfg.PublishTopics, "subscribe", mcfg.SubscribeTopics)
	var g errgroup.Group
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error { return w.Run(ctx) })
	return g.Wait()
}

func cmdProjects(ctx context.Context, mgr *project.Manager, args []string) error {
	if len(args) == 0 {
		return errors.New("missing projects command")
	}
	if args[0] == "list" {
		names, err := mgr.List(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: flowtabs projects %s <name>", args[0])
	}
	name := args[1]
	switch args[0] {
	case "create":
		p, err := mgr.Create(ctx, name, project.CreateOptions{})
		if err != nil {
			return err
		}
		fmt.Println(p.Dir())
		return nil
	case "use":
		p, err := mgr.SetActive(ctx, name)
		if err != nil {
			return err
		}
		commits, err := p.Repo().CommitCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: flow file %s, %d commits, missing %v\n", p.Name(), p.FlowFile(), commits, p.MissingFiles())
		return nil
	case "delete":
		return mgr.Delete(ctx, name)
	default:
		return fmt.Errorf("unknown projects command %q", args[0])
	}
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("flowtabs %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
