package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	beepboop "github.com/thesammykins/beep-boop-mcp"
	"github.com/thesammykins/beep-boop-mcp/api"
	"github.com/thesammykins/beep-boop-mcp/internal/audit"
	"github.com/thesammykins/beep-boop-mcp/internal/conversation"
	"github.com/thesammykins/beep-boop-mcp/internal/coordination"
	"github.com/thesammykins/beep-boop-mcp/internal/delegation"
	"github.com/thesammykins/beep-boop-mcp/internal/lockstore"
	"github.com/thesammykins/beep-boop-mcp/internal/msgstore"
)

var (
	stateHeld     = color.New(color.FgYellow).SprintFunc()
	stateReleased = color.New(color.FgGreen).SprintFunc()
	stateConflict = color.New(color.FgRed).SprintFunc()
	stateNeutral  = color.New(color.FgCyan).SprintFunc()
)

// toolkit bundles the locally constructed services a CLI invocation needs.
type toolkit struct {
	cfg      beepboop.Config
	logger   pslog.Logger
	coord    *coordination.Service
	delegate *delegation.Client
	auditLog *audit.Log
}

func buildToolkit(baseLogger pslog.Logger) (*toolkit, error) {
	logger := leveledLogger(baseLogger)
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := beepboop.LoadAgentPolicy(cfg.AgentPolicyPath)
	if err != nil {
		return nil, err
	}

	var auditLog *audit.Log
	var recorder coordination.Recorder
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath, logger)
		if err != nil {
			return nil, err
		}
		recorder = auditLog
	}

	mode := cfg.LockFileMode
	if mode == 0 {
		mode = lockstore.DefaultFileMode
	}
	coord := coordination.New(coordination.Config{
		Store:      lockstore.New(mode, logger),
		Logger:     logger,
		AgentIDs:   policy,
		StaleAfter: cfg.StaleAfter,
		Audit:      recorder,
	})

	delegateOpts := cfg.DelegationOptions()
	if url := strings.TrimSpace(viper.GetString("delegate-url")); url != "" {
		delegateOpts.Enabled = true
		delegateOpts.BaseURL = url
	}
	if token := strings.TrimSpace(viper.GetString("delegate-token")); token != "" {
		delegateOpts.AuthToken = token
	}
	delegateOpts.Logger = logger

	return &toolkit{
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		delegate: delegation.NewClient(delegateOpts),
		auditLog: auditLog,
	}, nil
}

func (tk *toolkit) close() {
	if tk.auditLog != nil {
		_ = tk.auditLog.Close()
	}
}

// correlator builds a local conversation correlator; only the notify and
// ask fallbacks need one.
func (tk *toolkit) correlator() (*conversation.Correlator, error) {
	if len(tk.cfg.Webhooks) == 0 {
		return nil, fmt.Errorf("no webhooks configured and no delegate reachable; set webhooks or --delegate-url")
	}
	inboxDir := tk.cfg.MessageInbox
	if inboxDir == "" {
		inboxDir = beepboop.DefaultMessageInbox
	}
	inbox, err := msgstore.New(inboxDir, tk.logger)
	if err != nil {
		return nil, err
	}
	urls := make(map[msgstore.Platform]string, len(tk.cfg.Webhooks))
	for name, url := range tk.cfg.Webhooks {
		platform, perr := msgstore.ParsePlatform(name)
		if perr != nil {
			return nil, perr
		}
		urls[platform] = url
	}
	return conversation.New(conversation.Config{
		Store:         inbox,
		Messenger:     conversation.NewWebhookMessenger(urls, nil),
		Logger:        tk.logger,
		PollInterval:  tk.cfg.PollInterval,
		ReplyDeadline: tk.cfg.ReplyDeadline,
	}), nil
}

func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "status <directory>",
		Short: "show a directory's lock state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			dir := args[0]

			if tk.delegate.Available() {
				resp, err := tk.delegate.Post(ctx, "/mcp/check_status", api.CheckStatusRequest{Directory: dir, AgentID: agentID})
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
					return nil
				}
				if !errors.Is(err, delegation.ErrUnavailable) {
					return err
				}
				tk.logger.Debug("delegate unreachable, checking locally", "error", err)
			}

			res, err := tk.coord.Status(ctx, dir)
			if err != nil {
				return err
			}
			printStatus(cmd, dir, res, agentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier, used to mark a hold as yours")
	return cmd
}

func printStatus(cmd *cobra.Command, dir string, res *coordination.StatusResult, agentID string) {
	out := cmd.OutOrStdout()
	switch res.State {
	case coordination.StateHeld:
		label := stateHeld("HELD")
		if res.Stale {
			label = stateConflict("HELD (stale)")
		}
		owner := res.Hold.AgentID
		if agentID != "" && agentID == res.Hold.AgentID {
			owner += " (you)"
		}
		fmt.Fprintf(out, "%s  %s\n", label, dir)
		fmt.Fprintf(out, "  holder:  %s\n", owner)
		fmt.Fprintf(out, "  since:   %s (%s)\n", res.Hold.StartedAt.Format(time.RFC3339), humanize.Time(res.Hold.StartedAt))
		if res.Hold.WorkDescription != "" {
			fmt.Fprintf(out, "  work:    %s\n", res.Hold.WorkDescription)
		}
	case coordination.StateReleased:
		fmt.Fprintf(out, "%s  %s\n", stateReleased("RELEASED"), dir)
		fmt.Fprintf(out, "  by:      %s\n", res.Release.CompletedBy)
		fmt.Fprintf(out, "  at:      %s (%s)\n", res.Release.CompletedAt.Format(time.RFC3339), humanize.Time(res.Release.CompletedAt))
		if res.Release.Message != "" {
			fmt.Fprintf(out, "  message: %s\n", res.Release.Message)
		}
	case coordination.StateConflict:
		fmt.Fprintf(out, "%s  %s\n", stateConflict("CONFLICT"), dir)
		fmt.Fprintln(out, "  both markers present; remove one manually to repair")
	default:
		fmt.Fprintf(out, "%s  %s\n", stateNeutral("UNCLAIMED"), dir)
	}
}

func newClaimCommand(baseLogger pslog.Logger) *cobra.Command {
	var agentID, work string
	cmd := &cobra.Command{
		Use:   "claim <directory>",
		Short: "claim a directory by writing its hold marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			if err := tk.coord.Claim(ctx, args[0], agentID, work); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s claimed by %s\n", stateHeld("HELD"), args[0], agentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier (required)")
	cmd.Flags().StringVar(&work, "work", "", "short description of the planned work")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newReleaseCommand(baseLogger pslog.Logger) *cobra.Command {
	var agentID, message string
	cmd := &cobra.Command{
		Use:   "release <directory>",
		Short: "release a held directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			if err := tk.coord.Release(ctx, args[0], agentID, message); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s released by %s\n", stateReleased("RELEASED"), args[0], agentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier (required)")
	cmd.Flags().StringVar(&message, "message", "", "summary of the completed work")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newCompleteCommand(baseLogger pslog.Logger) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "complete <directory>",
		Short: "write a release marker for an unclaimed directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			if err := tk.coord.MarkComplete(ctx, args[0], message); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s marked complete\n", stateReleased("RELEASED"), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "summary of the completed work")
	return cmd
}

func newReclaimCommand(baseLogger pslog.Logger) *cobra.Command {
	var expectedHolder, newAgent, work string
	cmd := &cobra.Command{
		Use:   "reclaim <directory>",
		Short: "clear a stale hold, optionally claiming it for a new agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			res, err := tk.coord.ReclaimStale(ctx, args[0], expectedHolder, newAgent, work)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Cleared {
				fmt.Fprintf(out, "cleared stale hold by %s on %s\n", res.PriorHolder, args[0])
			} else {
				fmt.Fprintf(out, "no hold to clear on %s\n", args[0])
			}
			if res.Claimed {
				fmt.Fprintf(out, "%s  %s claimed by %s\n", stateHeld("HELD"), args[0], newAgent)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expectedHolder, "expected-holder", "", "agent expected to own the stale hold")
	cmd.Flags().StringVar(&newAgent, "new-agent", "", "agent to claim the directory for after clearing")
	cmd.Flags().StringVar(&work, "work", "", "work description for the new claim")
	return cmd
}

func newNotifyCommand(baseLogger pslog.Logger) *cobra.Command {
	var platform, channel string
	cmd := &cobra.Command{
		Use:   "notify <message>",
		Short: "deliver a one-way update to a chat channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			message := args[0]

			if tk.delegate.Available() {
				resp, err := tk.delegate.Post(ctx, "/mcp/update_user", api.UpdateUserRequest{
					Platform: platform,
					Channel:  channel,
					Message:  message,
				})
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
					return nil
				}
				if !errors.Is(err, delegation.ErrUnavailable) {
					return err
				}
				tk.logger.Debug("delegate unreachable, sending locally", "error", err)
			}

			correlator, err := tk.correlator()
			if err != nil {
				return err
			}
			p, err := msgstore.ParsePlatform(platform)
			if err != nil {
				return err
			}
			if err := correlator.UpdateUser(ctx, p, channel, message); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "update delivered to %s channel %s\n", platform, channel)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "slack", "chat platform (slack or discord)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel identifier (required)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newAskCommand(baseLogger pslog.Logger) *cobra.Command {
	var platform, channel, agentID string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "start a conversation and wait for the first reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, err := buildToolkit(baseLogger)
			if err != nil {
				return err
			}
			defer tk.close()
			ctx, cancel := commandTimeout(cmd.Context())
			defer cancel()
			message := args[0]

			if tk.delegate.Available() {
				resp, err := tk.delegate.Post(ctx, "/mcp/initiate_conversation", api.InitiateConversationRequest{
					Platform: platform,
					Channel:  channel,
					Message:  message,
					AgentID:  agentID,
				})
				if err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
					return nil
				}
				if !errors.Is(err, delegation.ErrUnavailable) {
					return err
				}
				tk.logger.Debug("delegate unreachable, asking locally", "error", err)
			}

			correlator, err := tk.correlator()
			if err != nil {
				return err
			}
			p, err := msgstore.ParsePlatform(platform)
			if err != nil {
				return err
			}
			outcome, err := correlator.Initiate(ctx, p, channel, message, agentID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outcome.TimedOut {
				fmt.Fprintf(out, "no reply before the deadline; conversation %s remains open\n", outcome.InitiatingID)
				return nil
			}
			fmt.Fprintf(out, "%s: %s\n", outcome.Reply.Author.ID, outcome.Reply.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "slack", "chat platform (slack or discord)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel identifier (required)")
	cmd.Flags().StringVar(&agentID, "agent", "", "initiating agent identifier (required)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
