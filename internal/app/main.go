package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/workq/internal/queue"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Main runs the workq CLI and returns the process exit code.
func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "workq: %v\n", err)
		return 1
	}
	return 0
}

type cliState struct {
	configPath string
	dotenvPath string
	stdout     io.Writer
}

func (s *cliState) load() (Config, error) {
	if s.dotenvPath != "" {
		if err := loadDotenv(s.dotenvPath); err != nil {
			return Config{}, fmt.Errorf("load dotenv: %w", err)
		}
	}
	return loadConfig(s.configPath)
}

func (s *cliState) printJSON(v any) error {
	enc := json.NewEncoder(s.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	st := &cliState{stdout: stdout}
	root := &cobra.Command{
		Use:           "workq",
		Short:         "Durable work queues over SQL, Redis and Pebble",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&st.configPath, "config", os.Getenv("WORKQ_CONFIG"), "JSON config file")
	root.PersistentFlags().StringVar(&st.dotenvPath, "dotenv", "", "load environment variables from file before reading config")

	root.AddCommand(
		newCreateCmd(st),
		newRemoveCmd(st),
		newSendCmd(st),
		newReceiveCmd(st),
		newStatsCmd(st),
		newSweepCmd(st),
		newMonitorCmd(st),
		newConfigCmd(st),
		newVersionCmd(st),
	)
	return root
}

func newCreateCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the queue tables and configuration record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := st.load()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer s.close()
			fmt.Fprintf(st.stdout, "queue %s ready (%s)\n", cfg.Queue, cfg.Backend)
			return nil
		},
	}
}

func newRemoveCmd(st *cliState) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Drop the queue and every message in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to remove queue without --yes")
			}
			cfg, err := st.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.RemoveQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(st.stdout, "queue %s removed\n", cfg.Queue)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal")
	return cmd
}

func newSendCmd(st *cliState) *cobra.Command {
	var (
		body, bodyFile, route, correlationID string
		jobName, jobTime                     string
		priority                             uint8
		delay, expiration                    time.Duration
		headers                              map[string]string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue one message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := []byte(body)
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				payload = b
			}
			data := queue.AdditionalData{
				CorrelationID: correlationID,
				Route:         route,
				Priority:      priority,
				Delay:         delay,
				Expiration:    expiration,
				Headers:       headers,
			}
			if jobName != "" {
				scheduled := time.Now().UTC()
				if jobTime != "" {
					t, err := time.Parse(time.RFC3339, jobTime)
					if err != nil {
						return fmt.Errorf("--job-time: %w", err)
					}
					scheduled = t
				}
				data.Job = &queue.JobSchedule{Name: jobName, ScheduledTime: scheduled, EventTime: time.Now().UTC()}
			}

			cfg, err := st.load()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.close()
			p, err := s.producer()
			if err != nil {
				return err
			}
			id, err := p.Send(cmd.Context(), payload, data)
			if err != nil {
				return err
			}
			fmt.Fprintln(st.stdout, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&body, "body", "", "message body")
	f.StringVar(&bodyFile, "body-file", "", "read the message body from a file")
	f.StringVar(&route, "route", "", "route name")
	f.StringVar(&correlationID, "correlation-id", "", "correlation id (generated when empty)")
	f.Uint8Var(&priority, "priority", 0, "priority; lower is served first")
	f.DurationVar(&delay, "delay", 0, "earliest processing delay")
	f.DurationVar(&expiration, "expiration", 0, "discard the message if not processed within this window")
	f.StringToStringVar(&headers, "header", nil, "message header key=value (repeatable)")
	f.StringVar(&jobName, "job", "", "scheduler job name")
	f.StringVar(&jobTime, "job-time", "", "scheduled time of the job run (RFC3339)")
	return cmd
}

type receivedPayload struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Route         string            `json:"route,omitempty"`
	Priority      uint8             `json:"priority"`
	QueuedAt      time.Time         `json:"queued_at"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body"`
	Ack           string            `json:"ack"`
}

func newReceiveCmd(st *cliState) *cobra.Command {
	var (
		routes     []string
		expression string
		ack        string
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Claim the next message and acknowledge it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch ack {
			case "commit", "rollback", "error", "none":
			default:
				return fmt.Errorf("invalid --ack %q (use: commit|rollback|error|none)", ack)
			}
			cfg, err := st.load()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			msg, err := s.consumer.ReceiveWhere(ctx, queue.ReceiveRequest{Routes: routes, Expression: expression})
			if err != nil {
				return err
			}
			if msg == nil {
				fmt.Fprintln(st.stdout, "no message")
				return nil
			}
			switch ack {
			case "commit":
				_, err = s.consumer.Commit(ctx, msg.ID)
			case "rollback":
				_, err = s.consumer.RollbackMessage(ctx, msg, delay)
			case "error":
				_, err = s.consumer.MoveToError(ctx, msg.ID, errors.New("moved to error by operator"))
			}
			if err != nil {
				return err
			}
			return st.printJSON(receivedPayload{
				ID:            msg.ID.String(),
				CorrelationID: msg.CorrelationID,
				Route:         msg.Route,
				Priority:      msg.Priority,
				QueuedAt:      msg.QueuedAt,
				Headers:       msg.Headers,
				Body:          string(msg.Body),
				Ack:           ack,
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&routes, "route", nil, "only claim messages on these routes")
	f.StringVar(&expression, "where", "", "CEL predicate (pebble backend)")
	f.StringVar(&ack, "ack", "commit", "what to do with the claimed message: commit|rollback|error|none")
	f.DurationVar(&delay, "rollback-delay", 0, "extra delay applied on --ack rollback")
	return cmd
}

func newStatsCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print message counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := st.load()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.close()
			stats, err := s.consumer.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return st.printJSON(newStatsPayload(cfg.Queue, stats))
		},
	}
}

type sweepPayload struct {
	Kind     string `json:"kind"`
	Count    int    `json:"count"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

func newSweepCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every enabled maintenance sweep once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := st.load()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.close()
			mon := queue.NewMonitor(s.consumer, cfg.Monitor.queueConfig())
			var out []sweepPayload
			var failed error
			for _, r := range mon.SweepOnce(cmd.Context()) {
				p := sweepPayload{Kind: string(r.Kind), Count: r.Count, Duration: r.Duration.String()}
				if r.Err != nil {
					p.Error = r.Err.Error()
					failed = errors.Join(failed, r.Err)
				}
				out = append(out, p)
			}
			if err := st.printJSON(out); err != nil {
				return err
			}
			return failed
		},
	}
}

func newMonitorCmd(st *cliState) *cobra.Command {
	var opts daemonOptions
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the maintenance sweeps with metrics and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := st.load()
			if err != nil {
				return err
			}
			opts.configPath = strings.TrimSpace(st.configPath)
			return runDaemon(cmd.Context(), cfg, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.watch, "watch", false, "reload sweep settings when the config file changes")
	f.BoolVar(&opts.create, "create", false, "create the queue if it does not exist")
	f.StringVar(&opts.pidFile, "pid-file", "", "write process PID to file")
	return cmd
}
