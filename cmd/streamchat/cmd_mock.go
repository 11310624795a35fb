package main

import (
	"context"
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

	"github.com/spf13/cobra"

	"github.com/user/streamchat/internal/devserver"
)

var (
	mockListen string
	mockMode   string
	mockDelay  time.Duration
)

func init() {
	rootCmd.AddCommand(mockCmd)
	mockCmd.AddCommand(mockStopCmd)
	mockCmd.Flags().StringVar(&mockListen, "listen", "", "listen address (default mock.listen)")
	mockCmd.Flags().StringVar(&mockMode, "mode", "", "wire format: json or legacy (default mock.mode)")
	mockCmd.Flags().DurationVar(&mockDelay, "delay", 0, "pause between frames (default mock.delay_ms)")
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run the development streaming server",
	Long: `Run a local server that streams scripted answers in the same wire format
as the chat service. Messages starting with /fail end with a server error.`,
	Args: cobra.NoArgs,
	RunE: runMock,
}

var mockStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running development server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		pid, err := readPID(mockPIDPath(cfg.DataDir))
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to mock server (PID %d).\n", pid)
		return nil
	},
}

func mockPIDPath(dataDir string) string {
	return filepath.Join(dataDir, "mock.pid")
}

// readPID reads a PID file and checks the process is alive with signal 0.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running mock server (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, fmt.Errorf("no running mock server (process %d not found)", pid)
	}
	return pid, nil
}

func runMock(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	listen := cfg.Mock.Listen
	if mockListen != "" {
		listen = mockListen
	}
	mode := devserver.Mode(cfg.Mock.Mode)
	if mockMode != "" {
		mode = devserver.Mode(mockMode)
	}
	if mode != devserver.ModeJSON && mode != devserver.ModeLegacy {
		return fmt.Errorf("unknown mode %q (want json or legacy)", mode)
	}
	delay := cfg.MockDelay()
	if cmd.Flags().Changed("delay") {
		delay = mockDelay
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath := mockPIDPath(cfg.DataDir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer os.Remove(pidPath)

	srv := devserver.New(devserver.Options{
		Mode:     mode,
		Token:    cfg.API.Token,
		Delay:    delay,
		ChatPath: cfg.API.ChatPath,
	})
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mock server started", "listen", listen, "mode", mode, "chat_path", cfg.API.ChatPath)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
