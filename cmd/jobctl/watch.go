package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mediajobs/internal/apiclient"
	"mediajobs/internal/domain"
	"mediajobs/internal/realtime"
	"mediajobs/internal/viewer"
)

var (
	watchNATS    string
	watchPoll    time.Duration
	watchDismiss []string
	watchPrompt  string
	watchModel   string
	watchVerbose bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the session live until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := zerolog.Nop()
		if watchVerbose {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
		}

		var events domain.EventSubscriber = client
		if watchNATS != "" {
			nc, err := realtime.ConnectNATS(watchNATS, logger)
			if err != nil {
				return err
			}
			defer nc.Close()
			events = realtime.NewNATSBroker(nc, logger)
		}

		out := &renderer{w: cmd.OutOrStdout()}
		view := viewer.NewView()
		watcher := viewer.NewWatcher(viewer.WatcherOptions{
			View:      view,
			SessionID: sessionID,
			Events:    events,
			Fetch: func(ctx context.Context) ([]domain.Job, error) {
				page, err := client.Page(ctx, sessionID, "", 0)
				return page.Data, err
			},
			PollEvery: watchPoll,
			Logger:    logger,
			OnChange:  out.render,
		})
		for _, id := range watchDismiss {
			watcher.Session().Dismiss(strings.TrimSpace(id))
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "watching session %q, Ctrl-C to stop\n", sessionID)
		if watchPrompt != "" {
			go submitOptimistic(watcher.Context(ctx), view, out)
		}
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// submitOptimistic shows the job before the server has answered, then
// swaps in the server's record under the same key.
func submitOptimistic(ctx context.Context, view *viewer.View, out *renderer) {
	tempID := "temp-" + uuid.NewString()
	view.AddOptimistic(ctx, tempID, watchModel, watchPrompt, time.Now())
	out.render(view.Items())

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	job, err := client.Create(reqCtx, apiclient.CreateRequest{
		SessionID: sessionID,
		ModelID:   watchModel,
		Prompt:    watchPrompt,
	})
	if err != nil {
		view.FailOptimistic(tempID, err.Error())
	} else {
		view.ResolveDispatch(ctx, tempID, job)
	}
	out.render(view.Items())
}

type renderer struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *renderer) render(items []viewer.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "--- %s  %d job(s)\n", time.Now().Format(time.TimeOnly), len(items))
	for _, it := range items {
		id := it.ID
		if it.Temp {
			id = "(pending) " + id
		}
		line := fmt.Sprintf("%-44s  %-10s  %-16s  outputs=%d", id, it.Status, it.ModelID, len(it.Outputs))
		if it.Error != "" {
			line += fmt.Sprintf("  err=%q", it.Error)
		}
		fmt.Fprintln(r.w, line)
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchNATS, "nats", "", "NATS URL to take events from instead of the API stream")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 10*time.Second, "interval of the fallback refetch")
	watchCmd.Flags().StringSliceVar(&watchDismiss, "dismiss", nil, "job ids to hide from the view")
	watchCmd.Flags().StringVar(&watchPrompt, "create", "", "create a job with this prompt while watching")
	watchCmd.Flags().StringVar(&watchModel, "model", "synthetic-image", "model id used with --create")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "log watcher activity to stderr")
	rootCmd.AddCommand(watchCmd)
}
