// Package cli implements takeoffctl, the operator tool for inspecting
// conversions and the event bus.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/store"
)

// Bus is the part of the event bus the tool operates on.
type Bus interface {
	DLQPeek(ctx context.Context, topic string, count int64) ([]bus.DeadLetter, error)
	Replay(ctx context.Context, topic string, count int64) (int, error)
	ReadyDepth(ctx context.Context, topics ...string) (map[string]int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// Conversions reads saga instances and their audit trail.
type Conversions interface {
	Get(ctx context.Context, correlationID string) (*saga.Job, error)
	AuditTrail(ctx context.Context, correlationID string) ([]store.AuditEntry, error)
}

// Env is an opened set of backends.
type Env struct {
	Bus         Bus
	Conversions Conversions
}

// Opener connects to the backends. The returned function releases them.
type Opener func(ctx context.Context) (*Env, func(), error)

var topics = []string{bus.TopicStart, bus.TopicResult}

// RootCmd returns the takeoffctl command tree.
func RootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "takeoffctl",
		Short:         "Inspect takeoff conversions and the event bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(statusCmd(open))
	root.AddCommand(dlqCmd(open))
	root.AddCommand(depthCmd(open))
	return root
}

func withEnv(cmd *cobra.Command, open Opener, fn func(ctx context.Context, env *Env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, release, err := open(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer release()
	return fn(ctx, env)
}

func statusCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status <correlation-id>",
		Short: "Show a conversion and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, open, func(ctx context.Context, env *Env) error {
				job, err := env.Conversions.Get(ctx, args[0])
				if errors.Is(err, saga.ErrNotFound) {
					return fmt.Errorf("conversion %s not found", args[0])
				}
				if err != nil {
					return err
				}
				trail, err := env.Conversions.AuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), job, trail)
				return nil
			})
		},
	}
}

func printStatus(out io.Writer, job *saga.Job, trail []store.AuditEntry) {
	fmt.Fprintf(out, "Conversion %s: %s\n", job.CorrelationID, stateColor(job.State))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  job model\t%s\n", job.JobModelID)
	fmt.Fprintf(w, "  model\t%s@%s\n", job.ModelID, job.VersionID)
	fmt.Fprintf(w, "  customer\t%s\n", job.CustomerID)
	fmt.Fprintf(w, "  received\t%s\n", job.ReceivedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  finished\t%s (%s)\n", job.CompletedAt.Format(time.RFC3339), job.CompletedAt.Sub(job.ReceivedAt).Round(time.Millisecond))
	}
	if job.DownloadURL != "" {
		fmt.Fprintf(w, "  download\t%s\n", job.DownloadURL)
	}
	if job.LastError != "" {
		fmt.Fprintf(w, "  error\t%s\n", color.New(color.FgRed).Sprint(job.LastError))
	}
	w.Flush()

	if len(trail) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Audit:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range trail {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.Recorded.Format(time.RFC3339), e.Event, outcomeColor(e.Outcome), e.Detail)
	}
	w.Flush()
}

func stateColor(s saga.State) string {
	switch s {
	case saga.StateCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case saga.StateFailed:
		return color.New(color.FgRed).Sprint(s)
	default:
		return color.New(color.FgYellow).Sprint(s)
	}
}

func outcomeColor(o string) string {
	switch saga.Outcome(o) {
	case saga.Applied:
		return color.New(color.FgGreen).Sprint(o)
	case saga.Rejected:
		return color.New(color.FgRed).Sprint(o)
	default:
		return o
	}
}

func dlqCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered events",
	}

	var limit int64
	list := &cobra.Command{
		Use:   "list <topic>",
		Short: "List dead letters of a topic, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := checkTopic(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd, open, func(ctx context.Context, env *Env) error {
				items, err := env.Bus.DLQPeek(ctx, topic, limit)
				if err != nil {
					return err
				}
				printDeadLetters(cmd.OutOrStdout(), topic, items)
				return nil
			})
		},
	}
	list.Flags().Int64Var(&limit, "limit", 50, "maximum entries to show")

	var replayLimit int64
	replay := &cobra.Command{
		Use:   "replay <topic>",
		Short: "Republish dead letters of a topic",
		Long: `Republish dead-lettered events with their attempt counters reset.

Entries whose event cannot be decoded are left in place.

Examples:
  takeoffctl dlq replay conversion.result
  takeoffctl dlq replay conversion.start --limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := checkTopic(args[0])
			if err != nil {
				return err
			}
			return withEnv(cmd, open, func(ctx context.Context, env *Env) error {
				n, err := env.Bus.Replay(ctx, topic, replayLimit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s replayed %d event(s) on %s\n", color.New(color.FgGreen).Sprint("✓"), n, topic)
				return nil
			})
		},
	}
	replay.Flags().Int64Var(&replayLimit, "limit", 100, "maximum entries to replay")

	cmd.AddCommand(list, replay)
	return cmd
}

func checkTopic(topic string) (string, error) {
	for _, t := range topics {
		if t == topic {
			return topic, nil
		}
	}
	return "", fmt.Errorf("unknown topic %q (want %s or %s)", topic, bus.TopicStart, bus.TopicResult)
}

func printDeadLetters(out io.Writer, topic string, items []bus.DeadLetter) {
	if len(items) == 0 {
		fmt.Fprintf(out, "No dead letters on %s\n", topic)
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tATTEMPTS\tDEAD AT\tERROR")
	for _, dl := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", dl.ID, strconv.Itoa(dl.Attempts), dl.DeadAt.Format(time.RFC3339), color.New(color.FgRed).Sprint(dl.Error))
	}
	w.Flush()
}

func depthCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Show ready and in-flight message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, open, func(ctx context.Context, env *Env) error {
				depth, err := env.Bus.ReadyDepth(ctx, topics...)
				if err != nil {
					return err
				}
				inflight, err := env.Bus.InFlight(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				for _, t := range topics {
					fmt.Fprintf(w, "%s\t%d ready\n", t, depth[t])
				}
				fmt.Fprintf(w, "in flight\t%d\n", inflight)
				w.Flush()
				return nil
			})
		},
	}
}
