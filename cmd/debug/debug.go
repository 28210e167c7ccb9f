package debug

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/inngest/runengine/cmd/internal/boot"
	"github.com/inngest/runengine/pkg/execution/batchqueue"
	"github.com/inngest/runengine/pkg/execution/runqueue"
	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:    "debug",
		Aliases: []string{"dbg"},
		Usage:   "Inspect queue state in Redis",
		Commands: []*cli.Command{
			queueCommand(),
			batchesCommand(),
		},
	}
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Show the candidate queues of a master queue and the order a dequeue would try them in",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "master-queue",
				Usage: "Master queue name.  Defaults to the configured master queue.",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			deps, err := boot.Load(ctx, cmd)
			if err != nil {
				return err
			}
			defer deps.Close()

			name := cmd.String("master-queue")
			if name == "" {
				name = deps.Config.RunQueue.MasterQueue
			}
			details, err := deps.RunQueue().GetSharedQueueDetails(ctx, name)
			if err != nil {
				return err
			}
			return printQueueDetails(os.Stdout, details)
		},
	}
}

func batchesCommand() *cli.Command {
	return &cli.Command{
		Name:  "batches",
		Usage: "List active batches and each environment's deficit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			deps, err := boot.Load(ctx, cmd)
			if err != nil {
				return err
			}
			defer deps.Close()

			bq := deps.BatchQueue()
			batches, err := bq.Batches(ctx)
			if err != nil {
				return err
			}
			deficits := map[string]int{}
			for _, b := range batches {
				if _, ok := deficits[b.EnvID]; ok {
					continue
				}
				if deficits[b.EnvID], err = bq.Deficit(ctx, b.EnvID); err != nil {
					return err
				}
			}
			return printBatches(os.Stdout, batches, deficits)
		},
	}
}

func printQueueDetails(w io.Writer, d runqueue.SharedQueueDetails) error {
	if d.Choice.Abort {
		_, err := fmt.Fprintf(w, "master queue %q has no ready queues\n", d.MasterQueue)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tENVIRONMENT\tOLDEST\tAGE")
	for _, c := range d.Candidates {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.QueueKey, c.EnvironmentID, c.OldestMessage.Format(time.RFC3339), c.Age.Truncate(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nDEQUEUE ORDER")
	for i, q := range d.Choice.Queues {
		fmt.Fprintf(w, "%d. %s\n", i+1, q)
	}
	return nil
}

func printBatches(w io.Writer, batches []batchqueue.BatchInfo, deficits map[string]int) error {
	if len(batches) == 0 {
		_, err := fmt.Fprintln(w, "no active batches")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tENVIRONMENT\tCREATED\tREMAINING\tDEFICIT")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", b.BatchID, b.EnvID, b.CreatedAt.Format(time.RFC3339), b.Remaining, deficits[b.EnvID])
	}
	return tw.Flush()
}
