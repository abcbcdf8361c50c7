// ============================================================================
// llmqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on Cobra framework
//
// Command Structure:
//   llmqueue                       # Root command
//   ├── run                        # Start queue, workers, gRPC and metrics servers
//   ├── enqueue                    # Submit requests over gRPC
//   │   ├── --user, -u / --payload, -p
//   │   ├── --file, -f            # JSON array of {"user_key", "payload"}
//   │   └── --watch, -w           # Stream status updates until terminal
//   ├── status [id]                # Request status, or configuration + health
//   ├── cancel <id>                # Cancel a pending request
//   ├── backlog                    # Offline inspection of the durable backlog
//   │   ├── summary
//   │   ├── list
//   │   └── clear --yes
//   ├── wal dump                   # Human readable WAL contents
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file and configure slog (level / format)
//   2. Create Controller (recovery happens in Start, before workers run)
//   3. Start gRPC admission server and metrics HTTP server (errgroup)
//   4. Wait for SIGINT / SIGTERM, then stop gracefully:
//      servers stop accepting, in-flight requests finish or time out,
//      final compaction, store closed
//
// backlog Commands:
//   Open the store directly, so they must run while the server is stopped.
//   An operator can clear the backlog before startup to drop it.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/llmqueue/internal/config"
	"github.com/ChuLiYu/llmqueue/internal/controller"
	"github.com/ChuLiYu/llmqueue/internal/metrics"
	"github.com/ChuLiYu/llmqueue/internal/persistence"
	"github.com/ChuLiYu/llmqueue/internal/processor"
	"github.com/ChuLiYu/llmqueue/internal/server"
	"github.com/ChuLiYu/llmqueue/internal/storage/wal"
	"github.com/ChuLiYu/llmqueue/pkg/types"
)

// Version is set at build time.
var Version = "1.0.0"

var configFile string

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "llmqueue",
		Short: "llmqueue: a fair, bounded, crash-recoverable LLM request queue",
		Long: `llmqueue admits LLM requests from many users into a bounded queue with:
- Per-user limits and round-robin fairness
- A fixed worker pool with per-request timeouts
- WAL + snapshot (or Pebble) persistence of the pending backlog
- gRPC admission API and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildBacklogCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the llmqueue server",
		Long:  "Recover the backlog, start the worker pool and serve the gRPC admission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC listen address (overrides server.addr)")
	return cmd
}

// runServer runs until ctx is done or a server fails
func runServer(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	log.Printf("Starting llmqueue with config: %s\n", configFile)
	log.Printf("Workers: %d, Timeout: %s, Capacity: %d, Max per user: %d\n",
		cfg.Worker.WorkerCount, cfg.Worker.RequestTimeout, cfg.Queue.Capacity, cfg.Queue.MaxPerUser)

	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	proc, err := processor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	ctrl, err := controller.NewController(cfg.QueueConfig(), proc,
		controller.WithLogger(logger),
		controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	srv := server.New(ctrl.Queue(), ctrl.Hub(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, fmt.Sprintf(":%d", cfg.Metrics.Port), gatherer, logger)
		})
	}

	log.Println("System started successfully")
	runErr := g.Wait()
	if runErr != nil {
		log.Printf("Server error: %v\n", runErr)
	} else {
		log.Println("Received shutdown signal, stopping gracefully...")
	}

	// 等待執行中的請求完成或超時
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.RequestTimeout+5*time.Second)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		log.Printf("Controller stop: %v\n", err)
	}

	log.Println("System stopped. Goodbye!")
	return runErr
}

// newLogger builds the process logger from config values
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// ============================================================================
// enqueue / status / cancel（gRPC 客戶端）
// ============================================================================

// clientFlags are shared by the commands talking to a running server
type clientFlags struct {
	addr    string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "server address (default: server.addr from config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "RPC timeout")
}

// dial resolves the target address and connects
func (f *clientFlags) dial() (*server.Client, error) {
	addr := f.addr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	return server.Dial(dialTarget(addr))
}

// dialTarget turns a listen address like ":50051" into a dialable one
func dialTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

type enqueueInput struct {
	UserKey string          `json:"user_key"`
	Payload json.RawMessage `json:"payload"`
}

func buildEnqueueCommand() *cobra.Command {
	var (
		flags   clientFlags
		user    string
		payload string
		file    string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue requests",
		Long:  "Submit one request (--user/--payload) or a JSON file of requests to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := enqueueInputs(user, payload, file)
			if err != nil {
				return err
			}

			client, err := flags.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			return enqueueRequests(cmd.Context(), client, inputs, flags.timeout, watch, cmd.OutOrStdout())
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&user, "user", "u", "", "user key")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", `JSON file: [{"user_key": "...", "payload": {...}}]`)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream status updates until the request finishes")
	return cmd
}

// enqueueInputs collects requests from flags or a file
func enqueueInputs(user, payload, file string) ([]enqueueInput, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		var inputs []enqueueInput
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("failed to parse request file: %w", err)
		}
		return inputs, nil
	}

	if user == "" {
		return nil, errors.New("user is required (use --user or --file)")
	}
	in := enqueueInput{UserKey: user}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, errors.New("payload is not valid JSON")
		}
		in.Payload = json.RawMessage(payload)
	}
	return []enqueueInput{in}, nil
}

func enqueueRequests(ctx context.Context, client *server.Client, inputs []enqueueInput, timeout time.Duration, watch bool, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	successCount := 0
	var ids []types.RequestID
	for _, in := range inputs {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := client.Enqueue(callCtx, in.UserKey, in.Payload)
		cancel()
		if err != nil {
			if reason := server.RejectReason(err); reason != "" {
				fmt.Fprintf(out, "Rejected request for %s: queue full (%s)\n", in.UserKey, reason)
			} else {
				fmt.Fprintf(out, "Failed to enqueue request for %s: %v\n", in.UserKey, err)
			}
			continue
		}
		successCount++
		ids = append(ids, res.ID)
		fmt.Fprintf(out, "%s\t%s\tposition=%d\n", res.ID, res.Status, res.Position)
	}

	if len(inputs) > 1 {
		fmt.Fprintf(out, "Successfully enqueued %d/%d requests\n", successCount, len(inputs))
	}
	if successCount == 0 {
		return errors.New("no request was enqueued")
	}

	if watch {
		for _, id := range ids {
			err := client.Watch(ctx, id, func(n types.Notification) error {
				fmt.Fprintln(out, formatNotification(n))
				return nil
			})
			if err != nil {
				return fmt.Errorf("watch %s: %w", id, err)
			}
		}
	}
	return nil
}

func formatNotification(n types.Notification) string {
	if n.Position != nil {
		return fmt.Sprintf("%s\t%s\tposition=%d", n.ID, n.Status, *n.Position)
	}
	return fmt.Sprintf("%s\t%s", n.ID, n.Status)
}

func buildStatusCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show request or system status",
		Long:  "With an id, show the request status from a running server; without, show configuration and server health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				client, err := flags.dial()
				if err != nil {
					return err
				}
				defer client.Close()
				return showRequest(cmd.Context(), client, types.RequestID(args[0]), flags.timeout, cmd.OutOrStdout())
			}
			return showStatus(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

func showRequest(ctx context.Context, client *server.Client, id types.RequestID, timeout time.Duration, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := client.GetStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	fmt.Fprintf(out, "ID:        %s\n", req.ID)
	fmt.Fprintf(out, "User:      %s\n", req.UserKey)
	fmt.Fprintf(out, "Status:    %s\n", req.Status)
	if req.Status == types.StatusPending {
		fmt.Fprintf(out, "Position:  %d\n", req.Position)
	}
	if req.Attempt > 0 {
		fmt.Fprintf(out, "Attempt:   %d\n", req.Attempt)
	}
	fmt.Fprintf(out, "Enqueued:  %s\n", req.EnqueuedAt.Format(time.RFC3339))
	if req.StartedAt != nil {
		fmt.Fprintf(out, "Started:   %s (worker %d)\n", req.StartedAt.Format(time.RFC3339), req.WorkerOrdinal)
	}
	if req.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:  %s\n", req.FinishedAt.Format(time.RFC3339))
	}
	if len(req.Result) > 0 {
		fmt.Fprintf(out, "Result:    %s\n", req.Result)
	}
	if req.Error != "" {
		fmt.Fprintf(out, "Error:     %s (%s)\n", req.Error, req.ErrorKind)
	}
	return nil
}

func showStatus(ctx context.Context, flags clientFlags, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  Capacity:        %d (max %d per user)\n", cfg.Queue.Capacity, cfg.Queue.MaxPerUser)
	fmt.Fprintf(out, "  Workers:         %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  Request Timeout: %s\n", cfg.Worker.RequestTimeout)
	fmt.Fprintf(out, "  Processor:       %s %s\n", cfg.Processor.Kind, cfg.Processor.Endpoint)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  Backend:         %s\n", cfg.Persistence.Backend)
	fmt.Fprintf(out, "  Path:            %s\n", cfg.Persistence.Path)
	if cfg.Persistence.Backend == config.BackendFile {
		fmt.Fprintf(out, "  Snapshot:        %s\n", cfg.Persistence.SnapshotPath)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  Disabled")
	}
	fmt.Fprintln(out)

	addr := flags.addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	fmt.Fprintln(out, "Server:")
	client, err := server.Dial(dialTarget(addr))
	if err != nil {
		fmt.Fprintf(out, "  %s: %v\n", addr, err)
		return nil
	}
	defer client.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	hctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()
	st, err := client.Health(hctx)
	if err != nil {
		fmt.Fprintf(out, "  %s: not reachable (run 'llmqueue run' to start)\n", addr)
		return nil
	}
	fmt.Fprintf(out, "  %s: %s\n", addr, st)
	return nil
}

func buildCancelCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, flags.timeout)
			defer cancel()
			if err := client.Cancel(ctx, types.RequestID(args[0])); err != nil {
				return fmt.Errorf("failed to cancel: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// ============================================================================
// backlog / wal（離線管理）
// ============================================================================

func buildBacklogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Inspect or clear the durable backlog (server must be stopped)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Summarize pending requests by user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store persistence.Store) error {
				reqs, err := store.LoadPending()
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), persistence.FormatSummary(reqs))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending requests in recovery order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store persistence.Store) error {
				reqs, err := store.LoadPending()
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), persistence.FormatDetailedList(reqs))
				return nil
			})
		},
	})

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear the backlog without --yes")
			}
			return withStore(func(store persistence.Store) error {
				reqs, err := store.LoadPending()
				if err != nil {
					return err
				}
				if err := store.Clear(); err != nil {
					return fmt.Errorf("failed to clear backlog: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d pending request(s)\n", len(reqs))
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing the backlog")
	cmd.AddCommand(clearCmd)

	return cmd
}

// withStore opens the configured store for an offline command
func withStore(fn func(persistence.Store) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := persistence.Open(cfg.QueueConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "WAL utilities (file backend)",
	}

	var path string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print WAL events in human readable form",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				if cfg.Persistence.Backend != config.BackendFile {
					return fmt.Errorf("wal dump requires the file backend, got %q", cfg.Persistence.Backend)
				}
				path = cfg.Persistence.Path
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	}
	dumpCmd.Flags().StringVar(&path, "path", "", "WAL file (default: persistence.path from config)")
	cmd.AddCommand(dumpCmd)
	return cmd
}
