package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"seqd/internal/api"
	"seqd/internal/audit"
	"seqd/internal/config"
	"seqd/internal/failover"
	"seqd/internal/issuance"
	"seqd/internal/log"
	"seqd/internal/store"
	"seqd/internal/stepchange"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the seqd daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("role", "", "Node role: even or odd (required)")
	serveCmd.Flags().String("db", "seqd.db", "Path to the segment store database")
	serveCmd.Flags().String("listen", "127.0.0.1:8421", "HTTP listen address")
	serveCmd.Flags().Int32("default-step-size", 1000, "Default segment step size")
	serveCmd.Flags().Float64("refresh-threshold", 0.1, "Utilisation ratio that triggers async prefetch")
	serveCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "Heartbeat interval")
	serveCmd.Flags().Duration("failover-scan-interval", 30*time.Second, "Failover scan interval")
	serveCmd.Flags().Duration("refresh-timeout", 10*time.Second, "Stuck-refresh recovery timeout")
	serveCmd.Flags().Duration("prefetch-deadline", 5*time.Second, "Async prefetch deadline")
	serveCmd.Flags().String("audit-log", "seqd-audit.log", "Path to the admin-operation audit log")
	serveCmd.Flags().String("audit-key", "seqd-audit.key", "Path to the audit log's HMAC chain key")
	serveCmd.MarkFlagRequired("role")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()

	role, _ := cmd.Flags().GetString("role")
	cfg.Role = config.Role(role)
	cfg.DBPath, _ = cmd.Flags().GetString("db")
	cfg.Listen, _ = cmd.Flags().GetString("listen")
	cfg.DefaultStepSize, _ = cmd.Flags().GetInt32("default-step-size")
	cfg.RefreshThreshold, _ = cmd.Flags().GetFloat64("refresh-threshold")
	cfg.HeartbeatInterval, _ = cmd.Flags().GetDuration("heartbeat-interval")
	cfg.FailoverScanInterval, _ = cmd.Flags().GetDuration("failover-scan-interval")
	cfg.RefreshTimeout, _ = cmd.Flags().GetDuration("refresh-timeout")
	cfg.PrefetchDeadline, _ = cmd.Flags().GetDuration("prefetch-deadline")
	auditPath, _ := cmd.Flags().GetString("audit-log")
	auditKeyPath, _ := cmd.Flags().GetString("audit-key")

	if err := cfg.Validate(); err != nil {
		return err
	}

	l := log.WithNode(cfg.NodeID, string(cfg.Role))

	auditKey, err := audit.LoadOrCreateAuditKey(auditKeyPath)
	if err != nil {
		l.Warn().Err(err).Msg("audit key load failed, audit log will run unchained")
	}
	if err := audit.InitLogger(auditPath, auditKey); err != nil {
		l.Warn().Err(err).Msg("audit log init failed, continuing without it")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer st.Close()

	// The failover controller is the issuance engine's PeerChecker, and
	// the engine is the controller's ProxyInstaller: each needs the
	// other, so the controller is constructed first with no installer
	// and bound to the engine once it exists.
	controller := failover.New(cfg, st, nil)
	engine := issuance.New(cfg, st, controller)
	controller.SetProxyInstaller(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("serve: start failover controller: %w", err)
	}
	defer controller.Stop()

	protocol := stepchange.New(st, engine)
	server := api.NewServer(cfg, st, engine, controller, protocol)
	server.SetAuditChain(auditPath, auditKey)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("listen", cfg.Listen).Msg("seqd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		l.Info().Msg("shutting down")
	case err := <-errCh:
		l.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("graceful shutdown failed")
	}
	_ = audit.Close()

	l.Info().Msg("seqd stopped")
	return nil
}
