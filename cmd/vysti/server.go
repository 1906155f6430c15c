package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/vysti/revise/internal/api"
	"github.com/vysti/revise/internal/auth"
	"github.com/vysti/revise/internal/backend"
	"github.com/vysti/revise/internal/config"
	"github.com/vysti/revise/internal/feedback"
	"github.com/vysti/revise/internal/marking"
	"github.com/vysti/revise/internal/session"
	"github.com/vysti/revise/internal/storage"
)

// Sign-in location used when the session expires. The redirect carries the
// session path so the student lands back where they left off.
const (
	signInBase  = "https://app.vysti.com/signin"
	sessionPath = "/revise"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the vysti server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running vysti server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vysti system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "vysti.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "vysti version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Server.APIToken == "" {
		return fmt.Errorf("no API token configured; set VYSTI_API_TOKEN")
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("vysti is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("vysti is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load the runtime configuration document. Failure is not fatal: the
	// controller starts in its config-error state and every marking action
	// reports the problem until a restart picks up a valid document.
	rt, err := config.LoadRuntime(ctx, cfg.Runtime.Location)
	if err != nil {
		logger.Warn("runtime configuration unavailable", "location", cfg.Runtime.Location, "error", err)
		rt = config.Runtime{}
	} else {
		logger.Info("runtime configuration loaded", "build", rt.BuildID)
	}
	applyAutosaveOverride(&rt, cfg.Autosave.Override)

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	gate := auth.NewGate(cfg.Session.AccessToken)
	userID, err := resolveUserID(ctx, cfg, rt, gate)
	if err != nil {
		logger.Warn("could not resolve user identity", "error", err)
	}

	timeout := time.Duration(cfg.Session.TimeoutSeconds) * time.Second
	marker := marking.NewClient(rt.APIBaseURL, gate, timeout)
	backendClient := backend.NewClient(rt.SupabaseURL, rt.SupabaseAnonKey, gate)

	controller := session.New(session.Deps{
		Runtime:    rt,
		Marker:     marker,
		Backend:    backendClient,
		Store:      store,
		UserID:     userID,
		SignInBase: signInBase,
		Path:       sessionPath,
		Navigate: func(url string) {
			printWarning("Session expired. Sign in again at %s", url)
		},
		Logger: logger,
	})

	// Start the dismissal feedback worker.
	worker := feedback.NewWorker(store, backendClient, 500*time.Millisecond)
	go worker.Run(ctx)

	appHandler := api.NewAppHandler(api.AppDeps{
		Controller: controller,
		Token:      cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Controller: controller})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "vysti listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// applyAutosaveOverride forces draft autosave on or off regardless of the
// remote feature flag.
func applyAutosaveOverride(rt *config.Runtime, override string) {
	switch strings.ToLower(override) {
	case "on":
		rt.FeatureFlags.AutosaveDrafts = true
	case "off":
		rt.FeatureFlags.AutosaveDrafts = false
	}
}

// resolveUserID prefers the configured user id and falls back to asking the
// identity provider who the access token belongs to.
func resolveUserID(ctx context.Context, cfg config.Config, rt config.Runtime, gate *auth.Gate) (string, error) {
	if cfg.Session.UserID != "" {
		return cfg.Session.UserID, nil
	}
	if rt.SupabaseURL == "" {
		return "", nil
	}
	token, err := gate.CurrentToken()
	if err != nil {
		return "", err
	}
	user, err := auth.NewIdentityClient(rt.SupabaseURL, rt.SupabaseAnonKey).Validate(ctx, token)
	if err != nil {
		return "", err
	}
	return user.ID, nil
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
		printError("vysti is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop vysti (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to vysti (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Runtime config", "%s", cfg.Runtime.Location)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	// Show the session snapshot if the server is up.
	if running && cfg.Server.APIToken != "" {
		sessResp, err := apiGet(client, serverURL+"/session", cfg.Server.APIToken)
		if err == nil {
			var view struct {
				State    string `json:"state"`
				Status   string `json:"status"`
				FileName string `json:"file_name"`
				Mode     string `json:"mode"`
				Total    int    `json:"total_issues"`
			}
			if json.NewDecoder(sessResp.Body).Decode(&view) == nil {
				printStatus("Session", "%s", view.State)
				if view.FileName != "" {
					printStatus("File", "%s (%s)", view.FileName, view.Mode)
				}
				if view.Total > 0 {
					printStatus("Open issues", "%d", view.Total)
				}
				if view.Status != "" {
					printStatus("Last status", "%s", view.Status)
				}
			}
			sessResp.Body.Close()
		}
	}

	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
