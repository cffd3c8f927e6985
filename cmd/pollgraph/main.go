package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"

	"github.com/hanpama/pollgraph/internal/client"
	"github.com/hanpama/pollgraph/internal/config"
	"github.com/hanpama/pollgraph/internal/eventbus"
	"github.com/hanpama/pollgraph/internal/httptp"
	"github.com/hanpama/pollgraph/internal/language"
	"github.com/hanpama/pollgraph/internal/logging"
	"github.com/hanpama/pollgraph/internal/otel"
	"github.com/hanpama/pollgraph/internal/poller"
	"github.com/hanpama/pollgraph/internal/rewriter"
)

const rootUsage = `pollgraph - GraphQL directive rewriting & query polling

USAGE:
  pollgraph <command> [flags]

COMMANDS:
  rewrite          Apply @skip/@include to a query and print the effective document
  poll             Poll GraphQL queries against an HTTP endpoint, printing JSON lines
  help             Show help for any command
`

const rewriteUsage = `rewrite FLAGS:
  -query <file>         Query document to rewrite; - reads stdin (default: -)
  -variables <json>     Variables as a JSON object
  -keep-directives      Keep applied directives on surviving selections
`

const pollUsage = `poll FLAGS:
  -config <file>                 Configuration file (yaml, json or toml). Env overrides
                                 use the POLLGRAPH_ prefix, e.g. POLLGRAPH_ENDPOINT
  -endpoint <url>                GraphQL HTTP endpoint
  -query <file>                  Query document to poll, in addition to configured polls
  -operation <name>              Operation to run from -query
  -variables <json>              Variables for -query as a JSON object
  -interval <duration>           Poll interval for -query (default: 5s)
  -count N                       Exit after N results (default: 0, run until interrupted)
  -header "Name: value"          Extra request header. Repeatable
  -timeout <duration>            HTTP request timeout (default: 10s)
  -max-concurrency N             Max executions running at once (default: 0, unlimited)
  -execution-timeout <duration>  Deadline for one execution (default: none)
  -log.level <level>             debug, info, warn or error (default: info)
  -log.format <format>           console or json (default: console)
  -log.file <file>               Also write logs to a rotated file
  -otel.endpoint <addr>          OTLP collector endpoint
  -otel.service <name>           OpenTelemetry service name (default: pollgraph)
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := args[0]
	cmdArgs := args[1:]
	switch cmd {
	case "rewrite":
		return cmdRewrite(cmdArgs, stdin, stdout, stderr)
	case "poll":
		return cmdPoll(ctx, cmdArgs, stdin, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "rewrite":
		fmt.Fprint(stdout, rewriteUsage)
	case "poll":
		fmt.Fprint(stdout, pollUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func parseVariables(s string) (map[string]any, error) {
	return config.Poll{Variables: s}.ParseVariables()
}

func readQuery(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func cmdRewrite(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	queryFile := "-"
	variables := ""
	keep := false
	fs := flag.NewFlagSet("rewrite", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&queryFile, "query", queryFile, "Query document to rewrite")
	fs.StringVar(&variables, "variables", variables, "Variables as a JSON object")
	fs.BoolVar(&keep, "keep-directives", keep, "Keep applied directives")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, rewriteUsage)
		return err
	}

	vars, err := parseVariables(variables)
	if err != nil {
		return err
	}
	src, err := readQuery(queryFile, stdin)
	if err != nil {
		return fmt.Errorf("read query: %w", err)
	}
	doc, err := language.ParseQuery(src)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	var opts []rewriter.Option
	if keep {
		opts = append(opts, rewriter.WithKeepDirectives())
	}
	effective, err := rewriter.Apply(doc, vars, opts...)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, language.Format(effective))
	return err
}

func cmdPoll(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	configPath := ""
	endpoint := ""
	queryFile := ""
	operation := ""
	variables := ""
	interval := 5 * time.Second
	count := 0
	timeout := 10 * time.Second
	maxConcurrency := 0
	executionTimeout := time.Duration(0)
	logLevel := "info"
	logFormat := "console"
	logFile := ""
	otelEndpoint := ""
	otelService := "pollgraph"
	var headers stringListFlag

	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "Configuration file")
	fs.StringVar(&endpoint, "endpoint", endpoint, "GraphQL HTTP endpoint")
	fs.StringVar(&queryFile, "query", queryFile, "Query document to poll")
	fs.StringVar(&operation, "operation", operation, "Operation to run")
	fs.StringVar(&variables, "variables", variables, "Variables as a JSON object")
	fs.DurationVar(&interval, "interval", interval, "Poll interval")
	fs.IntVar(&count, "count", count, "Exit after N results")
	fs.Var(&headers, "header", "Extra request header")
	fs.DurationVar(&timeout, "timeout", timeout, "HTTP request timeout")
	fs.IntVar(&maxConcurrency, "max-concurrency", maxConcurrency, "Max executions running at once")
	fs.DurationVar(&executionTimeout, "execution-timeout", executionTimeout, "Deadline for one execution")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	fs.StringVar(&logFormat, "log.format", logFormat, "Log format")
	fs.StringVar(&logFile, "log.file", logFile, "Log file")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, pollUsage)
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Flags given explicitly win over the file and the environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Endpoint = endpoint
		case "timeout":
			cfg.Timeout = timeout
		case "max-concurrency":
			cfg.MaxConcurrency = maxConcurrency
		case "execution-timeout":
			cfg.ExecutionTimeout = executionTimeout
		case "log.level":
			cfg.Log.Level = logLevel
		case "log.format":
			cfg.Log.Format = logFormat
		case "log.file":
			cfg.Log.File = logFile
		case "otel.endpoint":
			cfg.Otel.Endpoint = otelEndpoint
		case "otel.service":
			cfg.Otel.Service = otelService
		}
	})
	if queryFile != "" {
		src, err := readQuery(queryFile, stdin)
		if err != nil {
			return fmt.Errorf("read query: %w", err)
		}
		cfg.Polls = append(cfg.Polls, config.Poll{
			Name:      queryFile,
			Query:     src,
			Operation: operation,
			Variables: variables,
			Interval:  interval,
		})
	}
	if len(cfg.Polls) == 0 {
		fmt.Fprint(stderr, pollUsage)
		return fmt.Errorf("nothing to poll: pass -query or a -config with polls")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File, Output: stderr})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)
	defer logging.Subscribe(logger)()
	shutdown, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tpOpts := []httptp.Option{httptp.WithTimeout(cfg.Timeout)}
	for name, value := range cfg.Headers {
		tpOpts = append(tpOpts, httptp.WithHeader(name, value))
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q", h)
		}
		tpOpts = append(tpOpts, httptp.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	c := client.New(httptp.New(cfg.Endpoint, tpOpts...),
		client.WithMaxConcurrency(cfg.MaxConcurrency),
		client.WithExecutionTimeout(cfg.ExecutionTimeout))
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := &lineWriter{enc: json.NewEncoder(stdout), limit: count, done: cancel}

	for _, p := range cfg.Polls {
		src, err := cfg.Source(p)
		if err != nil {
			return err
		}
		doc, err := language.ParseQuery(src)
		if err != nil {
			return fmt.Errorf("poll %s: %w", p.Name, err)
		}
		vars, err := p.ParseVariables()
		if err != nil {
			return fmt.Errorf("poll %s: %w", p.Name, err)
		}
		oq, err := c.Watch(poller.Query{Document: doc, OperationName: p.Operation, Variables: vars, PollInterval: p.Interval})
		if err != nil {
			return fmt.Errorf("poll %s: %w", p.Name, err)
		}
		name := p.Name
		unsubscribe := oq.Subscribe(poller.Observer{
			Next:  func(r *poller.Result) { out.write(name, oq, r, nil) },
			Error: func(err error) { out.write(name, oq, nil, err) },
		})
		defer unsubscribe()
	}

	logger.Info("polling", zap.String("endpoint", cfg.Endpoint), zap.Int("queries", len(cfg.Polls)))
	<-ctx.Done()
	return nil
}

type pollLine struct {
	Poll    string        `json:"poll"`
	QueryID string        `json:"query_id"`
	Data    any           `json:"data,omitempty"`
	Errors  gqlerror.List `json:"errors,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// lineWriter prints one JSON line per outcome and calls done once limit lines
// were written. A limit of zero never calls done.
type lineWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	written int
	limit   int
	done    func()
}

func (w *lineWriter) write(name string, oq *poller.ObservableQuery, r *poller.Result, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit > 0 && w.written >= w.limit {
		return
	}
	line := pollLine{Poll: name}
	if id, ok := oq.QueryID(); ok {
		line.QueryID = id.String()
	}
	if err != nil {
		line.Error = err.Error()
	} else if r != nil {
		line.Data, line.Errors = r.Data, r.Errors
	}
	if encErr := w.enc.Encode(line); encErr != nil {
		return
	}
	w.written++
	if w.limit > 0 && w.written == w.limit {
		w.done()
	}
}
