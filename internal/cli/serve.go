package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"guardloop/internal/accounting"
	"guardloop/internal/clockutil"
	"guardloop/internal/config"
	"guardloop/internal/controlapi"
	"guardloop/internal/controlapi/httpapi"
	"guardloop/internal/dispatch"
	"guardloop/internal/gateway"
	wsocket "guardloop/internal/gateway/websocket"
	"guardloop/internal/journal"
	"guardloop/internal/oracle"
	"guardloop/internal/planner"
	"guardloop/internal/rules"
	"guardloop/internal/session"
	"guardloop/internal/supervisor"
)

// NewServeCmd creates the serve command: it wires every component and
// runs until interrupted.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet supervisor",
		Long: `Start guardloopd: terminate agent connections, run the
enforcement pipeline, and serve the Control API for the parent UI.`,
		Example: `  guardloopd serve
  guardloopd serve --control-port 9443
  guardloopd serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().Int("control-port", 0, "Control API port (overrides config)")
	cmd.Flags().Int("gateway-port", 0, "agent gateway port (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config
	log := cliCtx.Logger

	if port, _ := cmd.Flags().GetInt("control-port"); port > 0 {
		cfg.ControlAPI.Port = port
	}
	if port, _ := cmd.Flags().GetInt("gateway-port"); port > 0 {
		cfg.Gateway.ListenPort = port
	}
	if cfg.ControlAPI.Host == "" {
		cfg.ControlAPI.Host = "127.0.0.1"
	}
	if cfg.Gateway.ListenHost == "" {
		cfg.Gateway.ListenHost = "0.0.0.0"
	}
	if cfg.ControlAPI.TokenTTL == 0 {
		cfg.ControlAPI.TokenTTL = 24 * time.Hour
	}

	store, err := config.NewStore(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	if cfg.State.Watch {
		watcher, err := config.WatchStore(store)
		if err != nil {
			return fmt.Errorf("watch state store: %w", err)
		}
		defer watcher.Close()
	}

	clock := clockutil.System{}
	hub := wsocket.NewHub()
	go hub.Run()
	gw := gateway.New(hub)
	oc := oracle.New(cfg.Oracle, clock)
	tracker := session.NewTracker(store)
	accountant := accounting.NewAccountant(store)
	evaluator := rules.NewEvaluator()
	plan := planner.New(oc, accountant)
	j := journal.New()
	dispatcher := dispatch.New(gw, clock, j)
	api := controlapi.New(store, gw, plan, dispatcher, j, clock)

	sup := supervisor.New(supervisor.Deps{
		Store:      store,
		Gateway:    gw,
		Oracle:     oc,
		Tracker:    tracker,
		Accountant: accountant,
		Evaluator:  evaluator,
		Planner:    plan,
		Dispatcher: dispatcher,
		Journal:    j,
		API:        api,
		Clock:      clock,
	})
	api.SetTimerCanceller(sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)
	rollover := sup.StartDailyRollover()
	defer rollover.Stop()

	auth := httpapi.NewAuthService(cfg.ControlAPI.JWTSecret, cfg.ControlAPI.TokenTTL)
	router := httpapi.NewRouter(api, auth)
	controlMux := mux.NewRouter()
	router.RegisterRoutes(controlMux)
	controlSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ControlAPI.Host, cfg.ControlAPI.Port),
		Handler: controlMux,
	}

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsocket.ServeWs(hub, w, r)
	})
	gatewaySrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.ListenHost, cfg.Gateway.ListenPort),
		Handler: gatewayMux,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("address", controlSrv.Addr).Msg("control API listening")
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control API: %w", err)
		}
	}()
	go func() {
		log.Info().Str("address", gatewaySrv.Addr).Msg("agent gateway listening")
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("agent gateway: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = gatewaySrv.Shutdown(shutdownCtx)
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("supervisor shutdown error")
	}

	log.Info().Msg("stopped")
	return nil
}
