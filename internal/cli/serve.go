package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pliu/chatbridge/internal/auth"
	"github.com/pliu/chatbridge/internal/blob"
	"github.com/pliu/chatbridge/internal/config"
	"github.com/pliu/chatbridge/internal/email"
	"github.com/pliu/chatbridge/internal/events"
	"github.com/pliu/chatbridge/internal/handlers"
	"github.com/pliu/chatbridge/internal/pairing"
	"github.com/pliu/chatbridge/internal/relay"
	"github.com/pliu/chatbridge/internal/relay/gateway"
	"github.com/pliu/chatbridge/internal/store"
	"github.com/pliu/chatbridge/internal/ws"
	"github.com/spf13/cobra"
)

const contactOwner = "relay"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the external relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tokens, err := auth.NewTokenService(cfg.TokenSecret)
	if err != nil {
		return err
	}
	bus := events.NewBus()
	registry := pairing.New(st, tokens, bus, pairing.Config{
		CodeTTL:                cfg.CodeTTL,
		SessionTTL:             cfg.SessionTTL,
		MaxAttempts:            cfg.MaxAttempts,
		AutoApproveFirstDevice: cfg.AutoApproveFirstDevice,
	})

	hubSub := bus.Subscribe(256, events.MessagePersisted, events.PresenceChanged)
	defer hubSub.Close()
	hub := ws.NewHub(hubSub)
	go hub.Run(ctx)

	mailSub := bus.Subscribe(32, events.DeviceApprovalRequested, events.NewExternalContact)
	defer mailSub.Close()
	notifier := &email.Notifier{
		Sender: email.NewSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom),
		Admin:  cfg.AdminEmail,
	}
	go notifier.Run(ctx, mailSub)

	chat := &handlers.ChatHandler{Store: st, Events: bus, Hub: hub}
	routes := handlers.Routes{
		Auth:          &handlers.AuthHandler{Pairing: registry, ExposeCodes: cfg.ExposeCodes, SecureCookies: cfg.SecureCookies},
		Chat:          chat,
		Media:         &handlers.MediaHandler{Store: st},
		Admin:         &handlers.AdminHandler{Store: st, Pairing: registry, ContactOwner: contactOwner},
		Authenticator: registry,
		AdminToken:    cfg.AdminToken,
		Hub:           hub,
	}

	codeSub := bus.Subscribe(32, events.PairingRequested)
	defer codeSub.Close()
	if cfg.RelayEnabled() {
		adapter, err := startRelay(ctx, cfg, st, bus, codeSub)
		if err != nil {
			return err
		}
		defer adapter.Close()
		chat.Relay = adapter
		routes.Relay = &handlers.RelayHandler{Relay: adapter}
	} else {
		log.Println("No gateway configured; relay disabled")
		go logCodes(ctx, codeSub)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.NewRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Println("Starting server on", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func startRelay(ctx context.Context, cfg *config.Config, st store.Store, bus *events.Bus, codes *events.Subscription) (*relay.Adapter, error) {
	artifacts, err := blob.NewFSStore(cfg.GatewayAuthDir)
	if err != nil {
		return nil, err
	}
	client := gateway.New(gateway.Config{
		BaseURL: cfg.GatewayURL,
		Token:   cfg.GatewayToken,
		Timeout: cfg.GatewayTimeout,
	}, artifacts)

	adapter := relay.New(client, st, bus, relay.Config{
		CounterpartPhone: cfg.CounterpartPhone,
		CounterpartName:  cfg.CounterpartName,
		ContactOwner:     contactOwner,
		OnboardingReply:  cfg.OnboardingReply,
		ReconnectDelay:   cfg.ReconnectDelay,
		DrainDelay:       cfg.DrainDelay,
		HealthInterval:   cfg.HealthInterval,
		BulkBatchSize:    cfg.BulkBatchSize,
		BulkDelay:        cfg.BulkDelay,
	})
	if err := adapter.Start(ctx); err != nil {
		return nil, err
	}
	go adapter.RunHealthCheck(ctx)
	go adapter.DeliverCodes(ctx, codes, cfg.CodeMessage)
	return adapter, nil
}

// logCodes stands in for delivery when there is no relay, so a development
// setup can still pair.
func logCodes(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if p, ok := e.Payload.(events.PairingPayload); ok {
				log.Printf("Pairing code for %s: %s", p.Phone, p.Code)
			}
		}
	}
}
