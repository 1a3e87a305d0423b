package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"repaircrm/ticket-service/internal/config"
	"repaircrm/ticket-service/internal/httpapi"
	"repaircrm/ticket-service/internal/hub"
	"repaircrm/ticket-service/internal/lifecycle"
	"repaircrm/ticket-service/internal/notify"
	"repaircrm/ticket-service/internal/otp"
	"repaircrm/ticket-service/internal/store"
	"repaircrm/ticket-service/internal/store/memory"
	"repaircrm/ticket-service/internal/store/postgres"
	"repaircrm/ticket-service/internal/telemetry"
	"repaircrm/ticket-service/internal/tracking"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func newServeCommand() *cobra.Command {
	var seedPath string
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, realtime hub and notification workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(config.Load(), seedPath, migrate)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML fixture loaded into the in-memory store when DB_DSN is empty")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving")
	return cmd
}

func serve(cfg config.Config, seedPath string, migrate bool) error {
	shutdownTelemetry := telemetry.Setup("ticket-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, closeStore, err := openStore(cfg, seedPath, migrate)
	if err != nil {
		return err
	}
	defer closeStore()

	templates := notify.Loader{Settings: st, Path: cfg.NotifyTemplatesFile}
	if _, err := templates.Templates(context.Background()); err != nil {
		log.Printf("notification templates invalid, events will be skipped until fixed: %v", err)
	}
	dispatcher := notify.NewDispatcher(templates, st, notifySettings(cfg), notify.Options{
		QueueSize:   cfg.NotifyQueueSize,
		SendTimeout: cfg.NotifySendTimeout,
	})
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	dispatcher.Start(workerCtx, cfg.NotifyWorkers)

	h := hub.New()
	otpManager := otp.NewManager(st, dispatcher, otp.Options{TTL: cfg.OTPTTL, MaxAttempts: cfg.OTPMaxAttempts})
	coordinator := lifecycle.NewCoordinator(st, otpManager, dispatcher, lifecycle.Options{Broadcaster: h})

	var realtime http.Handler
	if cfg.RealtimeEnabled {
		realtime = httpapi.NewRealtimeHandler(h, httpapi.RealtimeOptions{AllowedOrigins: cfg.RealtimeAllowedOrigins})
	}
	handler := httpapi.NewHandler(tracking.NewResolver(st), coordinator, httpapi.Options{
		Settings:  st,
		Templates: templates,
		Admin:     httpapi.NewAdminAuth(cfg.AdminKeyHash),
		Realtime:  realtime,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		CodePerMinute:  cfg.KeyRateLimitPerMinute,
		CodeBurst:      cfg.KeyRateLimitBurst,
		TrustedProxies: cfg.TrustedProxies,
	})
	if cfg.AdminKeyHash == "" {
		log.Printf("ADMIN_KEY_HASH is empty, admin endpoints are disabled")
	}

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), "ticket-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ticket-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.OTPPurgeInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.OTPPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
			}
			limiter.Sweep()
			ctx, cancel := context.WithTimeout(workerCtx, 30*time.Second)
			purged, err := otpManager.Purge(ctx, cfg.OTPPurgeRetention)
			cancel()
			if err != nil {
				log.Printf("otp purge error: %v", err)
				continue
			}
			if purged > 0 {
				log.Printf("otp purge removed %d challenges", purged)
			}
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig != syscall.SIGHUP {
			break
		}
		// Gateway credentials come from the environment; templates are
		// re-read from the store on every dispatch.
		dispatcher.Reload(notifySettings(config.Load()))
		log.Printf("notification gateways reloaded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopWorkers()
	dispatcher.Wait()
	dispatcher.Close()
	return nil
}

func openStore(cfg config.Config, seedPath string, migrate bool) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		st := memory.New()
		if seedPath != "" {
			f, err := os.Open(seedPath)
			if err != nil {
				return nil, nil, err
			}
			defer f.Close()
			loaded, err := st.LoadSeed(f)
			if err != nil {
				return nil, nil, err
			}
			log.Printf("seeded in-memory store tickets=%d", loaded)
		}
		log.Printf("DB_DSN is empty, using the in-memory store")
		return st, func() {}, nil
	}

	pool, err := openPool(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if err := postgres.Migrate(context.Background(), pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func notifySettings(cfg config.Config) notify.Settings {
	return notify.Settings{
		TrackingURL: cfg.PublicTrackingURL,
		Location:    displayLocation(cfg.DisplayTimezone),
		Channels: map[string]notify.ChannelSettings{
			notify.ChannelWhatsApp: channelSettings(cfg, cfg.WhatsAppProvider, ""),
			notify.ChannelSMS:      channelSettings(cfg, cfg.SMSProvider, cfg.SMSWebhookURL),
		},
	}
}

func displayLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("unknown DISPLAY_TIMEZONE %q, using UTC: %v", name, err)
		return time.UTC
	}
	return loc
}

func channelSettings(cfg config.Config, provider, webhookURL string) notify.ChannelSettings {
	settings := notify.ChannelSettings{Provider: provider, Exchange: cfg.RabbitMQExchange}
	switch provider {
	case "whatsapp":
		settings.URL = cfg.WhatsAppAPIURL
		settings.Token = cfg.WhatsAppToken
		settings.PhoneNumberID = cfg.WhatsAppPhoneID
	case "amqp":
		settings.URL = cfg.RabbitMQURL
	case "webhook":
		settings.URL = webhookURL
	}
	return settings
}
