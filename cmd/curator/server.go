package main

import (
	"context"
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
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/curator/internal/api"
	"github.com/kalambet/curator/internal/config"
	"github.com/kalambet/curator/internal/discovery"
	"github.com/kalambet/curator/internal/lifecycle"
	"github.com/kalambet/curator/internal/render"
	"github.com/kalambet/curator/internal/settings"
	"github.com/kalambet/curator/internal/social"
	"github.com/kalambet/curator/internal/storage"
	"github.com/kalambet/curator/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the curator server (foreground)",
	Long: `Run the review API, the MCP stdio server and the periodic discovery
worker in the foreground until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running curator server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server state, review queue and today's budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("no-mcp", false, "do not serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "curator.pid")
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

// newLogger builds the process logger from log.level and log.format.
// Unknown levels fall back to info.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "curator version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("curator is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("curator is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	gateway := social.NewGateway(cfg.Social.BaseURL, filepath.Join(cfg.Storage.DataDir, "session.json"))
	if cfg.Social.Username != "" && cfg.Social.Password != "" {
		creds := social.Credentials{Username: cfg.Social.Username, Password: cfg.Social.Password}
		if err := gateway.Login(ctx, creds); err != nil {
			slog.Warn("social login failed, discovery and publishing will fail until `curator login` succeeds", "error", err)
		}
	} else if !gateway.Authenticated() {
		slog.Warn("no social session; run `curator login` to authenticate")
	}

	renderer := render.NewFFmpeg(cfg.Render.FFmpegPath, cfg.Render.FontFile, cfg.Storage.ProcessedDir())
	if cfg.Publish.Render && !renderer.Available() {
		slog.Warn("ffmpeg not found, stories will be published without the credit overlay", "path", cfg.Render.FFmpegPath)
	}

	settingsDefaults, baseParams := settings.FromConfig(cfg)
	settingsMgr := settings.NewManager(store, settingsDefaults, baseParams)

	pipeline := discovery.NewPipeline(gateway, store, cfg.Discovery.DelayMin, cfg.Discovery.DelayMax)

	lc := lifecycle.NewManager(store, gateway, renderer, lifecycle.Options{
		DownloadDir: cfg.Storage.DownloadDir(),
		DailyLimit:  cfg.Publish.DailyLimit,
		Render:      cfg.Publish.Render,
	})
	lc.SetLimitFunc(settingsMgr.DailyLimit)
	if n, err := lc.RecoverInterrupted(ctx); err != nil {
		slog.Error("recovering interrupted media failed", "error", err)
	} else if n > 0 {
		slog.Warn("interrupted media moved to failed", "count", n)
	}

	w := worker.NewWorker(pipeline, settingsMgr, cfg.Discovery.ScanInterval, cfg.Discovery.RunTimeout)
	if cfg.Publish.AutoApprove {
		w.SetAutoApprove(lc)
		slog.Info("auto-approve enabled", "daily_limit", cfg.Publish.DailyLimit)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Lifecycle: lc,
		Settings:  settingsMgr,
		Scheduler: w,
		Reporter:  pipeline,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "curator listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		w.Run(gctx)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Lifecycle: lc,
			Scheduler: w,
			Reporter:  pipeline,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		// A closed stdin ends the MCP session only; the server keeps running.
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
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
		printError("curator is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop curator (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to curator (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := httpClient.Get(serverURL + "/health")
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

	printStatus("Social gateway", "%s", cfg.Social.BaseURL)
	if cfg.Social.Username != "" {
		printStatus("Account", "@%s", cfg.Social.Username)
	} else {
		printStatus("Account", "not configured")
	}

	if running {
		token, tokenErr := config.GetAPIToken(config.NewKeychain())
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: httpClient}
			if stats, err := fetchStats(ctx, c); err == nil {
				printStats(stats)
			} else {
				printWarning("could not read stats: %v", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStats(ctx context.Context, c *apiClient) (api.Stats, error) {
	resp, err := c.get(ctx, "/stats")
	if err != nil {
		return api.Stats{}, err
	}
	var stats api.Stats
	if err := decodeJSON(resp, &stats); err != nil {
		return api.Stats{}, err
	}
	return stats, nil
}

func printStats(stats api.Stats) {
	printStatus("Pending review", "%d", stats.Media[storage.StatusPendingApproval])
	printStatus("Media", "%s", mediaCounts(stats.Media))
	printStatus("Budget", "%s", budgetLabel(stats.Budget))
	if r := stats.LastRun; r != nil {
		printStatus("Last run", "%s (%d created, %d admitted, %d source errors)",
			r.FinishedAt.Local().Format(time.DateTime), r.Created, r.Admitted, r.SourceErrors)
		if r.Error != "" {
			printWarning("last run stopped: %s", r.Error)
		}
	}
}

// mediaCounts renders non-zero counts in lifecycle order.
func mediaCounts(counts map[storage.MediaStatus]int) string {
	var parts []string
	for _, s := range storage.AllMediaStatuses {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func budgetLabel(b api.Budget) string {
	if b.Used >= b.Limit {
		return fmt.Sprintf("%d/%d used today (limit reached)", b.Used, b.Limit)
	}
	return fmt.Sprintf("%d/%d used today", b.Used, b.Limit)
}
