// Package servecmder provides the serve command: the openmem service run in
// the foreground. The start command spawns this under --daemon.
package servecmder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ucalyptus/open-mem/api"
	apimcp "github.com/ucalyptus/open-mem/api/mcp"
	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/agent/chain"
	"github.com/ucalyptus/open-mem/pkg/config"
	"github.com/ucalyptus/open-mem/pkg/dotdir"
	"github.com/ucalyptus/open-mem/pkg/eventstream"
	"github.com/ucalyptus/open-mem/pkg/logger"
	"github.com/ucalyptus/open-mem/pkg/processor"
	"github.com/ucalyptus/open-mem/pkg/recovery"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/start"
	"github.com/ucalyptus/open-mem/pkg/store"
)

const serveLongDesc string = `Run the openmem service in the foreground.

The service owns the sqlite queue, runs the extraction consumers, and serves
the HTTP API that agent hooks post to. Daemon state (PID, API address) is
written to the .openmem directory so other commands can find the service.

For background operation use "openmem start" instead.

Examples:
  openmem serve
  openmem serve --listen 127.0.0.1:37777
  openmem serve --sqlite /tmp/openmem.db`

const serveShortDesc string = "Run the openmem service"

type ServeCommander struct {
	listen     string
	sqlitePath string
	daemon     bool
	debug      bool
	configDir  string
}

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.configDir, err = cmd.Flags().GetString("config-dir")
			if err != nil {
				return fmt.Errorf("could not get config-dir flag: %w", err)
			}
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address for the API server (default from config)")
	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to the sqlite store (default from config)")
	cmd.Flags().BoolVar(&cmder.daemon, "daemon", false, "Log to the daemon log file only (internal)")
	_ = cmd.Flags().MarkHidden("daemon")

	return cmd
}

func (c *ServeCommander) run(ctx context.Context) error {
	manager, err := start.NewManager(c.configDir)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(manager.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	var zapLogger *zap.Logger
	if c.daemon {
		zapLogger = logger.NewLoggerWithWriters(c.debug, logFile)
	} else {
		zapLogger = logger.NewLoggerWithWriters(c.debug, os.Stdout, logFile)
	}
	defer func() { _ = zapLogger.Sync() }()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	listen := c.listen
	if listen == "" {
		listen = cfg.API.Listen
	}

	lock, err := manager.Lock()
	if err != nil {
		return err
	}

	if state, err := manager.LoadState(); err == nil && state != nil && start.ProcessAlive(state.DaemonPID) && state.DaemonPID != os.Getpid() {
		_ = lock.Release()
		return fmt.Errorf("openmem is already running (pid %d)", state.DaemonPID)
	}

	listenerConfig := &net.ListenConfig{}
	ln, err := listenerConfig.Listen(ctx, "tcp", listen)
	if err != nil {
		_ = lock.Release()
		return fmt.Errorf("creating api listener: %w", err)
	}

	if err := manager.SaveState(&start.State{
		DaemonPID: os.Getpid(),
		APIURL:    "http://" + ln.Addr().String(),
		LogPath:   manager.LogPath,
		StartedAt: time.Now(),
	}); err != nil {
		_ = lock.Release()
		return err
	}
	if err := lock.Release(); err != nil {
		return err
	}
	defer func() { _ = manager.ClearState() }()

	sqlitePath := c.sqlitePath
	if sqlitePath == "" {
		sqlitePath = c.resolveSQLitePath(cfg)
	}

	st, err := store.Open(store.Config{Path: sqlitePath, Debug: c.debug}, zapLogger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	zapLogger.Info("using sqlite store", zap.String("path", sqlitePath))

	fan := eventstream.NewFanout()

	reg, err := registry.New(&registry.Config{
		Store:         st,
		PollInterval:  time.Duration(cfg.Processor.PollIntervalMs) * time.Millisecond,
		HistoryTurns:  cfg.Processor.HistoryMessages,
		HistoryTokens: cfg.Processor.HistoryTokens,
		Logger:        zapLogger,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating registry: %w", err)
	}

	procs := agent.NewProcTable()
	agents, err := chain.Build(cfg, procs, zapLogger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("building agent chain: %w", err)
	}

	proc, err := processor.New(&processor.Config{
		Store:             st,
		Registry:          reg,
		Chain:             agents,
		Procs:             procs,
		Publisher:         fan,
		MaxMessageRetries: cfg.Processor.MaxMessageRetries,
		ShutdownTimeout:   time.Duration(cfg.Processor.ShutdownTimeoutMs) * time.Millisecond,
		Logger:            zapLogger,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating processor: %w", err)
	}

	coord, err := recovery.New(&recovery.Config{
		Store:             st,
		Registry:          reg,
		Processor:         proc,
		Procs:             procs,
		Interval:          time.Duration(cfg.Recovery.IntervalMs) * time.Millisecond,
		SessionStaleAfter: time.Duration(cfg.Recovery.SessionStaleAfterMs) * time.Millisecond,
		ClaimStaleAfter:   time.Duration(cfg.Recovery.ClaimStaleAfterMs) * time.Millisecond,
		RestartCap:        cfg.Recovery.RestartCap,
		RestartDelay:      time.Duration(cfg.Recovery.RestartDelayMs) * time.Millisecond,
		Logger:            zapLogger,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating recovery coordinator: %w", err)
	}

	mcpServer, err := apimcp.NewServer(apimcp.Config{Store: st, Logger: zapLogger})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating mcp server: %w", err)
	}

	apiServer, err := api.NewServer(api.Config{
		ListenAddr: ln.Addr().String(),
		Fanout:     fan,
		MCPHandler: mcpServer.Handler(),
	}, st, reg, proc, zapLogger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("creating api server: %w", err)
	}

	// Recover interrupted work before accepting new events.
	if err := coord.RunStartupPass(ctx); err != nil {
		zapLogger.Warn("startup recovery pass", zap.Error(err))
	}

	coordCtx, coordCancel := context.WithCancel(context.Background())
	coord.Start(coordCtx)

	errChan := make(chan error, 1)
	go func() {
		if err := apiServer.RunWithListener(ln); err != nil {
			errChan <- fmt.Errorf("api error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
	case sig := <-sigChan:
		zapLogger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	}

	// Shutdown order: stop intake, stop recovery passes, drain consumers,
	// then release the store.
	if err := apiServer.Shutdown(); err != nil {
		zapLogger.Warn("shutting down api server", zap.Error(err))
	}
	coordCancel()
	coord.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Processor.ShutdownTimeoutMs)*time.Millisecond)
	if err := proc.Shutdown(drainCtx); err != nil {
		zapLogger.Warn("draining consumers", zap.Error(err))
	}
	cancel()

	if err := st.Close(); err != nil {
		zapLogger.Warn("closing store", zap.Error(err))
	}

	return runErr
}

func (c *ServeCommander) loadConfig() (*config.Config, error) {
	cfger, err := config.NewConfiger(c.configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg, err := cfger.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// resolveSQLitePath falls back to <dotdir>/openmem.db when the config does
// not name a path.
func (c *ServeCommander) resolveSQLitePath(cfg *config.Config) string {
	if cfg.Storage.SQLitePath != "" {
		return cfg.Storage.SQLitePath
	}

	dotdirManager := dotdir.NewManager()
	dir, err := dotdirManager.Target(c.configDir)
	if err == nil && dir != "" {
		return filepath.Join(dir, "openmem.db")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "openmem.db"
	}
	return filepath.Join(home, ".openmem", "openmem.db")
}
