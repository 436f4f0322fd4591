// Package main is the entry point for the fixpool agent orchestrator.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mysleekdesigns/fixpool/internal/agent"
	"github.com/mysleekdesigns/fixpool/internal/config"
	"github.com/mysleekdesigns/fixpool/internal/metrics"
	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/internal/persona"
	"github.com/mysleekdesigns/fixpool/internal/progress"
	"github.com/mysleekdesigns/fixpool/internal/server"
	"github.com/mysleekdesigns/fixpool/internal/store"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

// Flags shared by every command that builds an orchestrator.
var (
	configPath  string
	storeDriver string
	storePath   string
	logDir      string
	agentCmd    string
	agentModel  string
	maxRunning  int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fixpool",
		Short:         "Run and supervise code fix agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
	}
	rootCmd.SetVersionTemplate("fixpool {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to config file (default: ~/.fixpool/config.yaml)")
	pf.StringVar(&storeDriver, "store-driver", "", "Fix record store: file or sqlite")
	pf.StringVar(&storePath, "store", "", "Path to the fix record store")
	pf.StringVar(&logDir, "log-dir", "", "Directory for agent logs")
	pf.StringVar(&agentCmd, "agent-command", "", "Agent executable (default: claude)")
	pf.StringVar(&agentModel, "model", "", "Model passed to the agent")
	pf.IntVar(&maxRunning, "max-running", -1, "Maximum running agents, 0 for unbounded")

	rootCmd.AddCommand(newServeCmd(), newRunCmd(), newInitCmd(), newVersionCmd())
	return rootCmd
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if storeDriver != "" {
		cfg.Store.Driver = storeDriver
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if logDir != "" {
		cfg.Agent.LogDir = logDir
	}
	if agentCmd != "" {
		cfg.Agent.Command = agentCmd
	}
	if agentModel != "" {
		cfg.Agent.Model = agentModel
	}
	if maxRunning >= 0 {
		cfg.Pool.MaxRunning = maxRunning
	}
	return cfg, cfg.Validate()
}

// app bundles the long-lived components built from a config.
type app struct {
	cfg      *config.Config
	store    store.Store
	hub      *progress.Hub
	launcher *agent.ExecLauncher
	personas *persona.Manager
	orch     *orchestrator.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	personas, err := persona.NewManager(cfg.Agent.PersonaDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	launcher := agent.NewExecLauncher(cfg.Agent.LogDir)
	m := metrics.Default()
	hub := progress.NewHub()
	hub.OnDrop(m.ProgressDropped)

	orch, err := orchestrator.New(orchestrator.Config{
		Command: agent.CommandConfig{
			Command:   cfg.Agent.Command,
			Model:     cfg.Agent.Model,
			MaxTurns:  cfg.Agent.MaxTurns,
			ExtraArgs: cfg.Agent.ExtraArgs,
		},
		StartConcurrency: cfg.Pool.StartConcurrency,
		MaxRunning:       cfg.Pool.MaxRunning,
		SpawnTimeout:     cfg.Pool.SpawnTimeout.Std(),
		NoOutputTimeout:  cfg.Pool.NoOutputTimeout.Std(),
		RetainFinished:   cfg.Pool.RetainFinished,
	}, orchestrator.Deps{
		Store:    st,
		Launcher: launcher,
		Emitter:  progress.Multi{hub, progress.LogEmitter{}},
		Metrics:  m,
		Personas: personas,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	return &app{cfg: cfg, store: st, hub: hub, launcher: launcher, personas: personas, orch: orch}, nil
}

// close stops every agent and then closes the store, so pending results
// are persisted first.
func (a *app) close() {
	if err := a.orch.Shutdown(); err != nil {
		log.Printf("Orchestrator shutdown error: %v", err)
	}
	if err := a.store.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}
}

func newServeCmd() *cobra.Command {
	var (
		host     string
		port     int
		useStdio bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API, progress websocket and MCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			srv := server.New(server.Config{
				Addr:         cfg.Address(),
				Orchestrator: a.orch,
				Hub:          a.hub,
				Personas:     a.personas,
				Version:      version,
				Commit:       commit,
				UseStdio:     useStdio,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			go func() {
				select {
				case <-sigCh:
				case <-ctx.Done():
					return
				}
				log.Println("Shutting down...")
				cancel()

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer shutdownCancel()

				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Printf("Server shutdown error: %v", err)
				}
			}()

			if useStdio {
				log.Printf("fixpool %s starting in stdio mode", version)
			} else {
				log.Printf("fixpool %s starting", version)
				log.Printf("REST API:     http://%s/api", cfg.Address())
				log.Printf("Progress:     ws://%s/ws/progress", cfg.Address())
				log.Printf("MCP endpoint: http://%s/mcp", cfg.Address())
				log.Printf("Metrics:      http://%s/metrics", cfg.Address())
			}
			log.Printf("Agent logs:   %s", a.launcher.LogDir())
			if cats := a.personas.Categories(); len(cats) > 0 {
				log.Printf("Personas:     %v", cats)
			}

			err = srv.Start()
			a.close()
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Server host (default: 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "Server port (default: 8766)")
	cmd.Flags().BoolVar(&useStdio, "stdio", false, "Use stdio transport instead of HTTP")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration initialized")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fixpool %s (%s)\n", version, commit)
		},
	}
}
