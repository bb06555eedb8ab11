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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/attest"
	"github.com/ronitervo/creditledger/auth"
	"github.com/ronitervo/creditledger/httpapi"
	"github.com/ronitervo/creditledger/meter"
	"github.com/ronitervo/creditledger/verifier/remote"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	debug, _ := cmd.Flags().GetBool("debug")
	logger := newLogger(debug)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	gen, err := newGenerator(cfg.Generator)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []creditledger.Option{
		creditledger.WithLogger(logger),
		creditledger.WithMeter(meter.Multi{
			meter.NewLogMeter(logger),
			meter.NewPrometheusMeter(reg),
		}),
	}
	if cfg.Purchases.VerifierURL != "" {
		v := remote.New(cfg.Purchases.VerifierURL,
			remote.WithToken(cfg.Purchases.VerifierToken),
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Purchases.Timeout}),
		)
		opts = append(opts, creditledger.WithPurchaseVerifier(v))
	} else {
		logger.Warn("purchases.verifier_url not set, purchase crediting disabled")
	}

	gw, err := creditledger.NewGateway(cfg, st, gen, opts...)
	if err != nil {
		return err
	}

	authn, err := auth.New(cfg.Server.TokenSecret)
	if err != nil {
		return fmt.Errorf("server.token_secret: %w", err)
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(reg),
		httpapi.WithRequestTimeout(cfg.Generator.Timeout + 30*time.Second),
	}
	if cfg.Server.AttestationPublicKey != "" {
		v, err := attest.NewVerifier(cfg.Server.AttestationPublicKey)
		if err != nil {
			return fmt.Errorf("server.attestation_public_key: %w", err)
		}
		apiOpts = append(apiOpts, httpapi.WithAttestation(v, cfg.Server.RequireAttestation))
	} else if cfg.Server.RequireAttestation {
		return fmt.Errorf("server.require_attestation needs server.attestation_public_key")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewServer(gw, authn, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.Server.Addr,
			"store", cfg.Store.Driver,
			"generator", cfg.Generator.Provider,
			"model", gen.Model(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
