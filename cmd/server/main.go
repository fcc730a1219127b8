// InvoiceShield reviews invoice batches for fraud and errors and escalates
// suspicious batches once the anomaly score clears a confidence gate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	otelpyroscope "github.com/grafana/otel-profiling-go"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/invoiceshield/internal/agent"
	"github.com/linnemanlabs/invoiceshield/internal/authmw"
	"github.com/linnemanlabs/invoiceshield/internal/caseapi"
	ic "github.com/linnemanlabs/invoiceshield/internal/cfg"
	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/llm/claude"
	"github.com/linnemanlabs/invoiceshield/internal/notify"
	"github.com/linnemanlabs/invoiceshield/internal/notify/kafka"
	"github.com/linnemanlabs/invoiceshield/internal/notify/slack"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/postgres"
	"github.com/linnemanlabs/invoiceshield/internal/review"
	"github.com/linnemanlabs/invoiceshield/internal/review/memstore"
	"github.com/linnemanlabs/invoiceshield/internal/review/pgstore"
	"github.com/linnemanlabs/invoiceshield/internal/stages"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

const appName = "invoiceshield"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ic.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix INVOICESHIELD_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "INVOICESHIELD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// Load the pipeline descriptor before anything starts so a bad file fails fast
	desc, err := loadDescriptor(appCfg.PipelinePath, appCfg.GateThreshold)
	if err != nil {
		return err
	}
	if usesAgents(desc) && appCfg.ClaudeAPIKey == "" {
		return errors.New("pipeline has agent stages but CLAUDE_API_KEY is not set")
	}

	agentSpecs := agent.DefaultSpecs()
	if appCfg.AgentsPath != "" {
		if agentSpecs, err = agent.LoadSpecs(appCfg.AgentsPath); err != nil {
			return err
		}
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"pipeline", desc.Name,
		"gate_threshold", appCfg.GateThreshold,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles so a slow case span opens the matching flame graph
	if profErr == nil && profCfg.EnablePyroscope && traceCfg.EnableTracing {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invoiceshield_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "method", "route", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, l postgres.QueryLabels, dur time.Duration) {
			dbQueryDuration.WithLabelValues(l.Origin, l.Method, l.Route, l.Operation, l.Outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the case store. Postgres also holds the invoice ledger the
	// ingest stage loads batches from; without it batches must be submitted inline.
	var (
		caseStore review.Store
		source    tools.InvoiceSource
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolConfig{MaxConns: int32(appCfg.DBMaxConns)}) //nolint:gosec // bounded by Validate
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		caseStore = pgStore
		source = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		caseStore = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Review metrics on the shared Prometheus registry.
	reviewMetrics := review.NewMetrics(m.Registry())

	// Capabilities shared by the deterministic stages and the agent tools
	var (
		bank   tools.PaymentLookup
		search tools.WebSearch
	)
	if appCfg.BankAPIEndpoint != "" {
		bank = tools.NewBankAPI(appCfg.BankAPIEndpoint, appCfg.BankAPIToken)
		L.Info(ctx, "bank enrichment enabled", "endpoint", appCfg.BankAPIEndpoint)
	}
	if appCfg.WebSearchEndpoint != "" {
		search = tools.NewHTTPSearch(appCfg.WebSearchEndpoint, appCfg.WebSearchAPIKey)
		L.Info(ctx, "web search enabled", "endpoint", appCfg.WebSearchEndpoint)
	}
	watchlist := tools.NewWatchlist(nil)
	if appCfg.WatchlistPath != "" {
		if watchlist, err = tools.LoadWatchlist(appCfg.WatchlistPath); err != nil {
			return err
		}
	}
	L.Info(ctx, "vendor watchlist loaded", "entries", watchlist.Len(), "path", appCfg.WatchlistPath)
	reports := tools.NewDirReportSink(appCfg.ReportDir)

	// Escalation channels. Every configured channel receives each escalation;
	// with none configured escalations are only logged.
	var (
		channels []tools.Notifier
		kafkaPub *kafka.Publisher
	)
	if appCfg.SlackWebhookURL != "" {
		channels = append(channels, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if brokers := appCfg.Brokers(); len(brokers) > 0 {
		kafkaPub = kafka.New(brokers, appCfg.KafkaTopic, L)
		channels = append(channels, kafkaPub)
		L.Info(ctx, "notifier enabled", "type", "kafka", "brokers", brokers, "topic", appCfg.KafkaTopic)
	}
	notifier := notify.NewMulti(channels...)
	if notifier == nil {
		notifier = notify.NewLog(L)
		L.Warn(ctx, "no escalation channel configured, escalations are logged only")
	}

	// Initialize the tool registry with every capability that is configured
	registry := tools.NewRegistry()
	if source != nil {
		registry.Register(tools.NewDBConnector(source))
	}
	if bank != nil {
		registry.Register(tools.NewBankAPITool(bank))
	}
	if search != nil {
		registry.Register(tools.NewWebSearchTool(search))
	}
	registry.Register(tools.NewWatchlistTool(watchlist))
	registry.Register(tools.NewSaveReportTool(reports))
	registry.Register(tools.NewSendNotificationTool(notifier))
	L.Info(ctx, "registered tools", "names", registry.Names())

	// Initialize the agent engine when a Claude key is available.
	var engine *agent.Engine
	if appCfg.ClaudeAPIKey != "" {
		claudeProvider := claude.New(claude.Config{
			APIKey:     appCfg.ClaudeAPIKey,
			Model:      appCfg.ClaudeModel,
			MaxRetries: appCfg.ClaudeMaxRetries,
			Timeout:    time.Duration(appCfg.ClaudeTimeoutSeconds) * time.Second,
		})
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
		engine = agent.NewEngine(claudeProvider, registry, L, reviewMetrics.AgentHooks())
	}

	// Build the pipeline from the descriptor.
	factory := stages.NewFactory(stages.Deps{
		Source:            source,
		Bank:              bank,
		Watchlist:         watchlist,
		Search:            search,
		Reports:           reports,
		Notifier:          notifier,
		Agents:            engine,
		AgentSpecs:        agentSpecs,
		Logger:            L,
		EnrichConcurrency: appCfg.EnrichConcurrency,
	})
	pipelineHooks := reviewMetrics.PipelineHooks()
	pipelineHooks.StageContext = postgres.WithStage
	runner, err := pipeline.Build(desc, factory, L, pipelineHooks)
	if err != nil {
		return fmt.Errorf("build pipeline %q: %w", desc.Name, err)
	}

	// Initialize the review service (owns dedup, lifecycle, async dispatch).
	reviewSvc := review.NewService(caseStore, runner, gate.New(appCfg.GateThreshold), L, reviewMetrics)

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(int64(appCfg.MaxBodyKB) * 1024))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes behind bearer auth
	caseapiHTTP := caseapi.New(L, reviewSvc, desc)
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerTokens(appCfg.Tokens()...))
		caseapiHTTP.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	caseapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start caseapi HTTP server with middleware and handlers
	caseapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, caseapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start caseapi http listener")
		return err
	}
	defer func() {
		err := caseapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop caseapi http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// Cases still running get their own slice after the listener closes so
	// their results are stored before the pool and notifiers go away.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"caseapi http server", caseapiHTTPStop},
		{"in-flight cases", reviewSvc.Wait},
	}
	if kafkaPub != nil {
		stopFns = append(stopFns, stopFn{"kafka publisher", func(context.Context) error { return kafkaPub.Close() }})
	}
	stopFns = append(stopFns,
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// loadDescriptor returns the pipeline from path, or the built-in pipeline
// when path is empty. Loop stages of the built-in pipeline, and loops in a
// file that leave threshold unset, use the configured gate threshold.
func loadDescriptor(path string, threshold float64) (pipeline.Descriptor, error) {
	desc := pipeline.Default()
	builtin := path == ""
	if !builtin {
		var err error
		if desc, err = pipeline.LoadFile(path); err != nil {
			return pipeline.Descriptor{}, err
		}
	}
	for i := range desc.Stages {
		s := &desc.Stages[i]
		if s.Kind == pipeline.KindLoop && (builtin || s.Threshold == 0) {
			s.Threshold = threshold
		}
	}
	return desc, nil
}

// usesAgents reports whether any stage, loop bodies included, is an agent stage.
func usesAgents(d pipeline.Descriptor) bool {
	for _, k := range d.Kinds() {
		if k == stages.KindAgent {
			return true
		}
	}
	return false
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
