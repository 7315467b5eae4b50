package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/GarageDesk/internal/api"
	"github.com/BTreeMap/GarageDesk/internal/config"
	"github.com/BTreeMap/GarageDesk/internal/genai"
	"github.com/BTreeMap/GarageDesk/internal/lockfile"
	"github.com/BTreeMap/GarageDesk/internal/messaging"
	"github.com/BTreeMap/GarageDesk/internal/scheduler"
	"github.com/BTreeMap/GarageDesk/internal/twiliowhatsapp"
	"github.com/BTreeMap/GarageDesk/internal/whatsapp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the attendance queue and the operator API (default)",
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("api-addr", "", "operator API listen address (overrides API_ADDR)")
	f.String("transport", "", "whatsapp, twilio or none (overrides TRANSPORT)")
	f.String("qr-output", "", "write the WhatsApp login QR code to this file")
	f.Bool("numeric", false, "print the WhatsApp pairing code instead of a QR code")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, apiOpts, err := newMessagingService(ctx, cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}
	defer svc.Stop()

	out := messaging.NewOutbound(svc, a.log)
	inboundOpts := []messaging.InboundOption{messaging.WithDedup(a.store)}
	if cfg.AIEnabled() {
		ai, err := genai.NewClient(
			genai.WithAPIKey(cfg.OpenAIKey),
			genai.WithModel(cfg.OpenAIModel),
			genai.WithTemperature(cfg.OpenAITemperature),
			genai.WithMaxTokens(cfg.OpenAIMaxTokens),
			genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir),
		)
		if err != nil {
			return fmt.Errorf("genai: %w", err)
		}
		inboundOpts = append(inboundOpts, messaging.WithReplier(ai, cfg.SystemPrompt))
		apiOpts = append(apiOpts, api.WithSummarizer(ai))
	} else {
		slog.Info("OPENAI_API_KEY not set; the bot answers with the static menu")
	}
	inbound := messaging.NewInboundHandler(a.orch, a.log, out, inboundOpts...)
	go inbound.Run(ctx, svc.Inbound())

	sched := scheduler.NewScheduler()
	if err := sched.AddJob("session-sweep", cfg.SweepSchedule, scheduler.SweepJob(a.sessions)); err != nil {
		return err
	}
	if err := sched.AddJob("dedup-prune", cfg.PruneSchedule, scheduler.PruneJob(a.store, cfg.DedupRetention)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	slog.Info("GarageDesk started", "transport", cfg.Transport, "ai", cfg.AIEnabled(), "api_addr", cfg.APIAddr)
	srv := api.NewServer(a.orch, a.log, out, apiOpts...)
	return srv.Run(ctx, cfg.APIAddr)
}

// newMessagingService builds the configured transport and any API routes it needs.
func newMessagingService(ctx context.Context, c *config.Config) (messaging.Service, []api.Option, error) {
	switch c.Transport {
	case config.TransportWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(c.WhatsAppDSN)}
		if c.WhatsAppQROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(c.WhatsAppQROutput))
		}
		if c.WhatsAppNumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case config.TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(c.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(c.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(c.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio: %w", err)
		}
		if c.TwilioWebhookURL == "" {
			slog.Warn("TWILIO_WEBHOOK_URL not set; webhook signatures are not verified")
		}
		svc := messaging.NewTwilioService(client, messaging.WithWebhookValidation(c.TwilioAuthToken, c.TwilioWebhookURL))
		return svc, []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)}, nil
	default:
		return messaging.NewNopService(), nil, nil
	}
}

// runWithSignals runs fn with a context cancelled on SIGINT/SIGTERM.
func runWithSignals(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}
