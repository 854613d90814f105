package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kalambet/docqa/internal/api"
	"github.com/kalambet/docqa/internal/composer"
	"github.com/kalambet/docqa/internal/config"
	"github.com/kalambet/docqa/internal/engine"
	"github.com/kalambet/docqa/internal/ingest"
	"github.com/kalambet/docqa/internal/metrics"
	"github.com/kalambet/docqa/internal/proxy"
	"github.com/kalambet/docqa/internal/qa"
	"github.com/kalambet/docqa/internal/retrieval"
	"github.com/kalambet/docqa/internal/segment"
	"github.com/kalambet/docqa/internal/service"
	"github.com/kalambet/docqa/internal/storage"
	"github.com/kalambet/docqa/internal/tokenize"
)

var mcpStdio bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docqa server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docqa server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docqa system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().BoolVar(&mcpStdio, "mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docqa.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app holds everything the running server owns.
type app struct {
	store    *storage.Store
	index    retrieval.VectorStore
	memory   *retrieval.MemoryIndex // set only for the memory backend
	pipeline *ingest.Pipeline
	wake     ingest.Wakeup
	svc      *service.Service
	registry *prometheus.Registry
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

// buildApp wires storage, the active vector backend, ingestion and question
// answering from cfg. eng serves embeddings and, for the ollama provider,
// generation.
func buildApp(ctx context.Context, cfg config.Config, eng engine.Engine) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	if err := store.CheckEmbeddingDimension(ctx, cfg.Vector.Dimension); err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	tok, err := tokenize.New(cfg.Chunking.Tokenizer)
	if err != nil {
		slog.Warn("tokenizer unavailable, using estimate", "tokenizer", cfg.Chunking.Tokenizer, "error", err)
		tok = tokenize.Estimator{}
	}
	seg, err := segment.New(cfg.Chunking.MaxTokens, cfg.Chunking.OverlapTokens, tok)
	if err != nil {
		return nil, fmt.Errorf("configuring segmenter: %w", err)
	}

	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, cfg.Vector.Dimension,
		retrieval.WithBatchSize(cfg.Embedding.BatchSize),
		retrieval.WithRateLimit(cfg.Embedding.RateLimit),
		retrieval.WithEmbedderMetrics(m),
	)

	switch cfg.Vector.Backend {
	case config.BackendMemory:
		a.memory = retrieval.NewMemoryIndex(cfg.Vector.Dimension, store)
		a.index = a.memory
	case config.BackendSQLite:
		a.index = retrieval.NewSQLiteStore(store.DB(), cfg.Vector.Dimension)
	case config.BackendPGVector:
		pg, err := retrieval.OpenPGVector(ctx, cfg.Vector.PostgresDSN, cfg.Vector.Dimension)
		if err != nil {
			return nil, fmt.Errorf("opening pgvector: %w", err)
		}
		a.index = pg
		a.closers = append(a.closers, pg.Close)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}

	a.pipeline = ingest.NewPipeline(store, seg, embedder, a.index, m)
	retriever := retrieval.NewRetriever(embedder, a.index, store, cfg.Vector.Backend, m)

	var gen qa.Generator
	switch cfg.Generation.Provider {
	case config.ProviderOpenAI:
		gen = proxy.NewClient(cfg.Generation.APIKey, cfg.Generation.BaseURL, cfg.Generation.Model)
	default:
		gen = qa.NewEngineGenerator(eng, cfg.Ollama.GenModel)
	}

	answerer := qa.New(retriever, composer.New(cfg.Generation.ContextTokens, tok), gen, qa.Options{
		TopK:         cfg.Retrieval.TopK,
		Threshold:    cfg.Retrieval.ScoreThreshold,
		Timeout:      cfg.Generation.TimeoutDuration(),
		RetryBackoff: cfg.Generation.RetryBackoff(),
	}, m)

	a.wake = ingest.NewWakeup()
	a.svc = service.New(service.Deps{Store: store, Index: a.index, Answerer: answerer, Queued: a.wake.Notify})
	ok = true
	return a, nil
}

// requiredModels lists the Ollama models the configuration depends on.
func requiredModels(cfg config.Config) []string {
	models := []string{cfg.Ollama.EmbedModel}
	if cfg.Generation.Provider == config.ProviderOllama {
		models = append(models, cfg.Ollama.GenModel)
	}
	return models
}

// runSweeper evicts memory-index documents idle for longer than idle.
func runSweeper(ctx context.Context, mi *retrieval.MemoryIndex, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := mi.Sweep(idle); n > 0 {
				slog.Info("evicted idle documents from memory index", "documents", n)
			}
		}
	}
}

func runServer() error {
	fmt.Fprintf(stderr, "docqa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Auth.JWTSecret == "" {
		printWarning("DOCQA_JWT_SECRET is not set; every /api/v1 request will be rejected")
	}

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docqa is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docqa is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, stderr, requiredModels(cfg)...); err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, eng)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted work: %w", err)
	}
	// Memory-index documents load lazily on first question.
	if a.memory != nil {
		go runSweeper(ctx, a.memory, cfg.Index.SweepInterval(), cfg.Index.IdleTTL())
	}

	for i := 0; i < cfg.Ingest.Workers; i++ {
		go ingest.NewWorker(a.store, a.pipeline, 2*time.Second).WithWakeup(a.wake).Run(ctx)
	}
	slog.Info("ingest workers started", "workers", cfg.Ingest.Workers, "backend", cfg.Vector.Backend)

	handler := api.NewHandler(api.Deps{
		Service:        a.svc,
		JWTSecret:      cfg.Auth.JWTSecret,
		Gatherer:       a.registry,
		RequestTimeout: cfg.Server.Timeout(),
		MCPOwner:       cfg.MCP.OwnerID,
		MCPVersion:     version,
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: a.svc, OwnerID: cfg.MCP.OwnerID, Version: version})
		go serveStdio(ctx, mcpSrv, os.Stdin, os.Stdout)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(stderr, "docqa listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serveStdio(ctx context.Context, mcpSrv *server.MCPServer, in io.Reader, out io.Writer) {
	stdioSrv := server.NewStdioServer(mcpSrv)
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("MCP stdio server error", "error", err)
	}
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docqa is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docqa (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docqa (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	ollamaUp := eng.IsRunning(checkCtx)
	if ollamaUp {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	// Only ask about models when Ollama answered.
	pulled := func(model string) string {
		if !ollamaUp || eng.HasModel(checkCtx, model) {
			return ""
		}
		return " " + colorize(colorYellow, "(not pulled)")
	}

	printStatus("Embed model", "%s (%d dims)%s", cfg.Ollama.EmbedModel, cfg.Vector.Dimension, pulled(cfg.Ollama.EmbedModel))
	if cfg.Generation.Provider == config.ProviderOpenAI {
		printStatus("Generation", "%s via %s%s", cfg.Generation.Model, cfg.Generation.BaseURL, offered(checkCtx, cfg))
	} else {
		printStatus("Generation", "%s via ollama%s", cfg.Ollama.GenModel, pulled(cfg.Ollama.GenModel))
	}
	printStatus("Vector backend", "%s", cfg.Vector.Backend)

	if !running {
		return nil
	}
	c, err := newAPIClient()
	if err != nil {
		return nil
	}
	st, err := fetchStats(ctx, c)
	if err != nil {
		printStatus("Documents", "unavailable (%v)", err)
		return nil
	}
	printStatus("Documents", "%s", formatCounts(st.Documents))
	printStatus("Queue", "%d jobs", st.Queued)
	if st.Vectors >= 0 {
		printStatus("Vectors", "%d", st.Vectors)
	}
	return nil
}

func fetchStats(ctx context.Context, c *apiClient) (service.Stats, error) {
	resp, err := c.get(ctx, "/api/v1/stats")
	if err != nil {
		return service.Stats{}, err
	}
	var st service.Stats
	if err := decodeJSON(resp, &st); err != nil {
		return service.Stats{}, err
	}
	return st, nil
}

func formatCounts(counts map[storage.Status]int) string {
	order := []storage.Status{
		storage.StatusUploaded, storage.StatusParsing, storage.StatusChunking,
		storage.StatusEmbedding, storage.StatusIndexing, storage.StatusReady, storage.StatusFailed,
	}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// offered annotates the remote generation model when the endpoint can be
// asked about it.
func offered(ctx context.Context, cfg config.Config) string {
	if cfg.Generation.APIKey == "" {
		return " " + colorize(colorYellow, "(DOCQA_GEN_API_KEY not set)")
	}
	ok, err := proxy.NewClient(cfg.Generation.APIKey, cfg.Generation.BaseURL, cfg.Generation.Model).Offered(ctx)
	switch {
	case err != nil:
		return " " + colorize(colorYellow, "(endpoint unreachable)")
	case !ok:
		return " " + colorize(colorYellow, "(model not offered)")
	}
	return ""
}

// prettyJSON is used by commands that print raw server payloads.
func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
