// ariesdockerd is a small GPU-container orchestrator for a private
// cluster: one binary, three roles (central coordinator, per-node daemon,
// interactive client), selected by subcommand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ariesdockerd/ariesdockerd/internal/aconfig"
	"github.com/ariesdockerd/ariesdockerd/internal/audit"
	"github.com/ariesdockerd/ariesdockerd/internal/clientcli"
	"github.com/ariesdockerd/ariesdockerd/internal/central"
	"github.com/ariesdockerd/ariesdockerd/internal/daemon"
	"github.com/ariesdockerd/ariesdockerd/internal/runtime/dockerrt"
	"github.com/ariesdockerd/ariesdockerd/internal/token"
)

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:           "ariesdockerd",
		Short:         "GPU-container orchestrator for a private cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	root.AddCommand(
		newCentralCmd(&debug),
		newDaemonCmd(&debug),
		newClientCmd(&debug),
	)
	return root
}

func newCentralCmd(debug *bool) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "central",
		Short: "Run the central coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := aconfig.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if listen == "" {
				listen = aconfig.DefaultListenAddr
			}
			logger := newLogger(*debug)
			issuer := token.NewIssuer(cfg.JWTKey)
			srv := central.NewServer(issuer, logger)
			if cfg.AuditDBPath != "" {
				store, err := audit.NewSQLiteStore(cfg.AuditDBPath)
				if err != nil {
					return fmt.Errorf("opening audit db: %w", err)
				}
				srv.Registry.SetAuditStore(store)
				logger.Info("central: command audit log enabled", "db", cfg.AuditDBPath)
			}

			logger.Info("central: listening", "addr", listen)
			httpSrv := &http.Server{Addr: listen, Handler: srv.Mux()}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			go func() {
				<-ctx.Done()
				httpSrv.Close()
			}()
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default "+aconfig.DefaultListenAddr+")")
	return cmd
}

func newDaemonCmd(debug *bool) *cobra.Command {
	var (
		nodeName    string
		totalGpus   int
		daemonToken string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a per-node daemon, connecting outbound to central",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := aconfig.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if nodeName == "" {
				nodeName, _ = os.Hostname()
			}
			logger := newLogger(*debug)

			rt, err := dockerrt.New()
			if err != nil {
				return fmt.Errorf("connecting to container runtime: %w", err)
			}
			issuer := token.NewIssuer(cfg.JWTKey)
			signer := daemon.NewLabelSigner(issuer)
			core := daemon.NewCore(nodeName, rt, signer, totalGpus, cfg, logger)

			if daemonToken == "" {
				daemonToken, err = issuer.Issue(nodeName, token.KindDaemon, token.Leeway)
				if err != nil {
					return err
				}
			}

			agent := daemon.NewAgent(core, cfg.CentralHost, daemonToken, logger)
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			agent.Run(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeName, "node-name", "", "node identity (default: hostname)")
	cmd.Flags().IntVar(&totalGpus, "total-gpus", 0, "number of GPU device indices 0..N-1 on this node")
	cmd.Flags().StringVar(&daemonToken, "token", "", "daemon auth token (default: self-signed from config's jwt_key)")
	return cmd
}

func newClientCmd(debug *bool) *cobra.Command {
	var (
		addr     string
		userTok  string
		oneShot  string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect to central and run the interactive command shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientcli.LoadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if userTok != "" {
				cfg.Token = userTok
			}
			if cfg.Addr == "" {
				return fmt.Errorf("no central address: pass --addr or set it in %s", clientcli.ConfigPath())
			}
			if err := clientcli.SaveConfig(cfg); err != nil {
				return err
			}

			shell := clientcli.NewShell(cfg, os.Stdout)
			ctx := context.Background()
			if oneShot != "" {
				return shell.RunOnce(ctx, oneShot)
			}
			return shell.Run(ctx, os.Stdin)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "central ws(s):// address")
	cmd.Flags().StringVar(&userTok, "token", "", "user auth token")
	cmd.Flags().StringVarP(&oneShot, "command", "c", "", "run a single command line and exit")
	return cmd
}
