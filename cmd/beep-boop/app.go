package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	beepboop "github.com/thesammykins/beep-boop-mcp"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BEEPBOOP_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "beep-boop")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "beep-boop",
		Short:         "beep-boop coordinates multi-agent work on shared directories with BOOP/BEEP lock markers",
		SilenceErrors: true,
		Example: `
  # Serve the coordination tools over HTTP
  beep-boop serve --listen :9800 --inbox /var/lib/beepboop/inbox

  # Inspect a directory's lock state
  beep-boop status /srv/repos/website

  # Claim, work, release
  beep-boop claim /srv/repos/website --agent bot-builder --work "dependency bump"
  beep-boop release /srv/repos/website --agent bot-builder --message "bump merged"

  # Notify a human (delegates to a running server when configured)
  BEEPBOOP_DELEGATE_URL=http://localhost:9800 beep-boop notify --platform slack --channel C123 "deploy done"
`,
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file")
	persistent.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")
	persistent.String("delegate-url", "", "base URL of a running beep-boop server to delegate to")
	persistent.String("delegate-token", "", "bearer token for the delegated server")
	for _, name := range []string{"config", "log-level", "delegate-url", "delegate-token"} {
		if err := viper.BindPFlag(name, persistent.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("BEEPBOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newClaimCommand(baseLogger))
	cmd.AddCommand(newReleaseCommand(baseLogger))
	cmd.AddCommand(newCompleteCommand(baseLogger))
	cmd.AddCommand(newReclaimCommand(baseLogger))
	cmd.AddCommand(newNotifyCommand(baseLogger))
	cmd.AddCommand(newAskCommand(baseLogger))
	return cmd
}

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP coordination server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := leveledLogger(baseLogger)

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			bindServeFlags(cmd, &cfg)

			server, err := beepboop.NewServer(cfg, beepboop.WithLogger(logger))
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), beepboop.DefaultShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	flags := serve.Flags()
	flags.String("listen", beepboop.DefaultListen, "TCP address for the HTTP listener")
	flags.String("auth-token", "", "bearer token required on /mcp routes (empty disables auth)")
	flags.String("metrics-listen", beepboop.DefaultMetricsListen, "Prometheus scrape address (empty disables)")
	flags.String("inbox", beepboop.DefaultMessageInbox, "directory scanned for reply records")
	flags.Duration("stale-after", 0, "hold age after which a claim counts as stale (0 uses the default)")
	flags.Duration("poll-interval", 0, "reply-scan cadence (0 uses the default)")
	flags.Duration("reply-deadline", 0, "how long initiate_conversation waits for a reply (0 uses the default)")
	flags.Uint32("lock-file-mode", 0, "permission bits for marker files (0 uses the default)")
	flags.String("agent-policy", "", "path to a YAML agent-identifier policy")
	flags.String("audit-db", "", "path to a SQLite audit database (empty disables auditing)")
	flags.String("webhook-slack", "", "Slack outgoing webhook URL")
	flags.String("webhook-discord", "", "Discord outgoing webhook URL")
	return serve
}

func bindServeFlags(cmd *cobra.Command, cfg *beepboop.Config) {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	if s, err := flags.GetString("listen"); err == nil && (changed("listen") || cfg.Listen == "") {
		cfg.Listen = s
	}
	if s, err := flags.GetString("auth-token"); err == nil && changed("auth-token") {
		cfg.AuthToken = s
	}
	if s, err := flags.GetString("metrics-listen"); err == nil && changed("metrics-listen") {
		cfg.MetricsListen = s
	}
	if s, err := flags.GetString("inbox"); err == nil && (changed("inbox") || cfg.MessageInbox == "") {
		cfg.MessageInbox = s
	}
	if d, err := flags.GetDuration("stale-after"); err == nil && changed("stale-after") {
		cfg.StaleAfter = d
	}
	if d, err := flags.GetDuration("poll-interval"); err == nil && changed("poll-interval") {
		cfg.PollInterval = d
	}
	if d, err := flags.GetDuration("reply-deadline"); err == nil && changed("reply-deadline") {
		cfg.ReplyDeadline = d
	}
	if m, err := flags.GetUint32("lock-file-mode"); err == nil && changed("lock-file-mode") {
		cfg.LockFileMode = fs.FileMode(m)
	}
	if s, err := flags.GetString("agent-policy"); err == nil && changed("agent-policy") {
		cfg.AgentPolicyPath = s
	}
	if s, err := flags.GetString("audit-db"); err == nil && changed("audit-db") {
		cfg.AuditDBPath = s
	}
	if s, err := flags.GetString("webhook-slack"); err == nil && changed("webhook-slack") {
		if cfg.Webhooks == nil {
			cfg.Webhooks = map[string]string{}
		}
		cfg.Webhooks["slack"] = s
	}
	if s, err := flags.GetString("webhook-discord"); err == nil && changed("webhook-discord") {
		if cfg.Webhooks == nil {
			cfg.Webhooks = map[string]string{}
		}
		cfg.Webhooks["discord"] = s
	}
}

// resolveConfig loads the YAML config when --config or BEEPBOOP_CONFIG is
// set; otherwise it starts from the zero config.
func resolveConfig() (beepboop.Config, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return beepboop.Config{}, nil
	}
	return beepboop.LoadConfig(path)
}

func leveledLogger(baseLogger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		return baseLogger
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return baseLogger.LogLevel(level)
	}
	return baseLogger
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func commandTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Minute)
}
