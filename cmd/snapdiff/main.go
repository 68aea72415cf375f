package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/throw-if-null/snapdiff/internal/api"
	"github.com/throw-if-null/snapdiff/internal/config"
	"github.com/throw-if-null/snapdiff/internal/console"
	"github.com/throw-if-null/snapdiff/internal/interpret"
	"github.com/throw-if-null/snapdiff/internal/orchestrator"
	"github.com/throw-if-null/snapdiff/internal/telemetry"
	"github.com/throw-if-null/snapdiff/internal/upload"
	"github.com/throw-if-null/snapdiff/internal/version"
)

func main() {
	root, err := os.Getwd()
	if err != nil {
		fatal(err)
	}
	if err := config.LoadDotEnv(filepath.Join(root, ".env")); err != nil {
		fatal(err)
	}
	res := config.Load(root)
	if res.ParseError != nil {
		fatal(fmt.Errorf("failed to parse %s: %w", res.Path, res.ParseError))
	}
	cfg, err := config.ApplyEnv(res.Config)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.Enabled, telemetry.Config{
		ServiceName:    "snapdiff",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		fatal(err)
	}

	code := run(os.Args[1:], newOrchestrator(cfg), os.Stdout, os.Stderr)
	_ = shutdown(ctx)
	os.Exit(code)
}

func newOrchestrator(cfg config.Config) *orchestrator.Orchestrator {
	var logger *log.Logger
	if cfg.Client.Debug {
		logger = log.New(os.Stderr, "snapdiff: ", log.LstdFlags)
	}
	return orchestrator.New(orchestrator.Options{
		BaseURL:     cfg.Client.BaseURL,
		Client:      &http.Client{Timeout: cfg.Client.Timeout()},
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		Logger:      logger,
	})
}

// run dispatches a subcommand and returns the process exit code:
// 0 on success, 1 when the operation failed, 2 on usage errors.
func run(args []string, caller interpret.Caller, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(errOut)
		return 2
	}

	switch args[0] {
	case "snapshot":
		return snapshotCmd(args[1:], caller, out, errOut)
	case "upload":
		return uploadCmd(args[1:], caller, out, errOut)
	case "diff":
		return diffCmd(args[1:], caller, out, errOut)
	case "list":
		return listCmd(args[1:], caller, out, errOut)
	case "version":
		_, _ = fmt.Fprintf(out, "snapdiff %s (%s)\n", version.Version, version.Commit)
		return 0
	case "help", "-h", "--help":
		usage(out)
		return 0
	default:
		usage(errOut)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  snapdiff snapshot --path <dir> [--id <id>]")
	_, _ = fmt.Fprintln(w, "  snapdiff upload --dir <local dir> [--id <id>]")
	_, _ = fmt.Fprintln(w, "  snapdiff diff --a <id> --b <id> [--details]")
	_, _ = fmt.Fprintln(w, "  snapdiff list [--limit N]")
	_, _ = fmt.Fprintln(w, "  snapdiff version")
}

type commonFlags struct {
	noColor bool
}

func newFlagSet(name string, errOut io.Writer, c *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.BoolVar(&c.noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored notifications")
	return fs
}

func newRunner(op interpret.Operation, caller interpret.Caller, c commonFlags, out, errOut io.Writer) *interpret.Runner {
	ports := console.Ports(&console.StatusLine{W: out}, &console.Notifier{W: errOut, NoColor: c.noColor})
	return interpret.NewRunner(op, caller, ports)
}

func snapshotCmd(args []string, caller interpret.Caller, out, errOut io.Writer) int {
	var c commonFlags
	fs := newFlagSet("snapshot", errOut, &c)
	var path, id string
	fs.StringVar(&path, "path", "", "directory to snapshot on the server host")
	fs.StringVar(&id, "id", "", "snapshot id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		fs.Usage()
		return 2
	}
	if id == "" {
		id = uuid.NewString()
	}

	req := orchestrator.CallRequest{
		Endpoint: "/snapshot",
		Method:   http.MethodPost,
		Body:     orchestrator.JSONBody{Value: api.CreateSnapshotRequest{Path: path, ID: id}},
	}
	return finish(newRunner(interpret.OpSnapshot, caller, c, out, errOut).Run(context.Background(), req, path))
}

func uploadCmd(args []string, caller interpret.Caller, out, errOut io.Writer) int {
	var c commonFlags
	fs := newFlagSet("upload", errOut, &c)
	var dir, id string
	fs.StringVar(&dir, "dir", "", "local directory to upload")
	fs.StringVar(&id, "id", "", "snapshot id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		fs.Usage()
		return 2
	}
	if id == "" {
		id = uuid.NewString()
	}

	body, err := upload.BuildFolder(dir, id)
	if err != nil {
		_, _ = fmt.Fprintln(errOut, err.Error())
		return 1
	}
	req := orchestrator.CallRequest{
		Endpoint: "/snapshot/upload-folder",
		Method:   http.MethodPost,
		Body:     body,
	}
	return finish(newRunner(interpret.OpUpload, caller, c, out, errOut).Run(context.Background(), req, id))
}

func diffCmd(args []string, caller interpret.Caller, out, errOut io.Writer) int {
	var c commonFlags
	fs := newFlagSet("diff", errOut, &c)
	var idA, idB string
	var details bool
	fs.StringVar(&idA, "a", "", "base snapshot id")
	fs.StringVar(&idB, "b", "", "snapshot id to compare against the base")
	fs.BoolVar(&details, "details", false, "list added, deleted and modified files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if idA == "" || idB == "" {
		fs.Usage()
		return 2
	}

	req := orchestrator.CallRequest{
		Endpoint: "/diff",
		Method:   http.MethodPost,
		Body:     orchestrator.JSONBody{Value: api.DiffRequest{IDA: idA, IDB: idB}},
	}
	res, err := newRunner(interpret.OpDiff, caller, c, out, errOut).Run(context.Background(), req, idA+" and "+idB)
	if err == nil && details && res.Diff != nil {
		printDetails(out, *res.Diff)
	}
	return finish(res, err)
}

func listCmd(args []string, caller interpret.Caller, out, errOut io.Writer) int {
	var c commonFlags
	fs := newFlagSet("list", errOut, &c)
	var limit int
	fs.IntVar(&limit, "limit", 0, "maximum number of snapshots to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	endpoint := "/snapshots"
	if limit > 0 {
		endpoint = fmt.Sprintf("/snapshots?limit=%d", limit)
	}
	req := orchestrator.CallRequest{Endpoint: endpoint, Method: http.MethodGet}
	return finish(newRunner(interpret.OpList, caller, c, out, errOut).Run(context.Background(), req, ""))
}

func printDetails(w io.Writer, v interpret.DiffView) {
	section := func(title, mark string, files []string) {
		if len(files) == 0 {
			return
		}
		_, _ = fmt.Fprintln(w, title+":")
		for _, f := range files {
			_, _ = fmt.Fprintln(w, "  "+mark+" "+f)
		}
	}
	section("added", "+", v.Added)
	section("deleted", "-", v.Deleted)
	section("modified", "~", v.Modified)
}

func finish(res interpret.Result, err error) int {
	if errors.Is(err, interpret.ErrInFlight) {
		return 1
	}
	if err != nil || res.Failed {
		return 1
	}
	return 0
}

func fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
	os.Exit(1)
}
