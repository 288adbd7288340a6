package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"escrow-backend/config"
	"escrow-backend/metrics"
	projserver "escrow-backend/middleware/projection"
	"escrow-backend/network"
	"escrow-backend/reconcile"
	scstore "escrow-backend/storage/projection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("projectiond failed")
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "projectiond",
		Short:         "Serve the job projection and reconcile it against the escrow",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			config.SetupLogging(cfg.LogLevel)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	profiles, err := network.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return fmt.Errorf("load network profiles: %w", err)
	}
	networks, err := network.NewRegistry(profiles, cfg.Network)
	if err != nil {
		return fmt.Errorf("build network registry: %w", err)
	}

	var store scstore.Store
	switch cfg.StoreDriver {
	case "postgres":
		store, err = scstore.NewPGStore(ctx, cfg.PGDSN, cfg.Seed)
	default:
		store = scstore.NewMemoryStore(nil)
	}
	if err != nil {
		return fmt.Errorf("init %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.Reconcile {
		startSweeps(ctx, cfg, networks.Profiles(), store, m)
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           projserver.NewServer(store, networks, reg).Handler(cfg.APIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("projection server shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Listen).Str("driver", cfg.StoreDriver).Bool("api_key", cfg.APIKey != "").Msg("projection server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("projection server: %w", err)
	}
	return nil
}

// startSweeps runs one reconciliation loop per profile that has both an RPC
// endpoint and an escrow contract configured.
func startSweeps(ctx context.Context, cfg *config.Config, profiles []network.Profile, store scstore.Store, m *metrics.Collectors) {
	for _, p := range profiles {
		logger := log.With().Str("network", p.Key).Uint64("chain_id", p.ChainID).Logger()
		if p.RPCURL == "" || !common.IsHexAddress(p.EscrowAddress) {
			logger.Info().Msg("reconcile sweep disabled: rpc or escrow address not configured")
			continue
		}
		client, err := ethclient.DialContext(ctx, p.RPCURL)
		if err != nil {
			logger.Warn().Err(err).Msg("reconcile sweep disabled: dial failed")
			continue
		}
		sweeper, err := reconcile.NewSweeper(client, store, p, m, reconcile.Config{FromBlock: cfg.ReconcileFromBlock})
		if err != nil {
			logger.Warn().Err(err).Msg("reconcile sweep disabled")
			client.Close()
			continue
		}
		sweeper.Start(ctx, cfg.ReconcileInterval)
		logger.Info().Dur("interval", cfg.ReconcileInterval).Msg("reconcile sweep enabled")
	}
}
