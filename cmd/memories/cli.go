package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/memories/internal/agentapi"
	"github.com/ent0n29/memories/internal/capture"
)

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "memories",
		Short: "Capture memories offline and sync them to a memories server",
		Long: strings.TrimSpace(`memories captures moments, stories and mementos, keeps them in a durable
local queue while the server is unreachable, and syncs them when it is back.

Configuration comes from MEMORIES_* environment variables.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newCaptureCommand())
	root.AddCommand(newSyncCommand())
	root.AddCommand(newQueueCommand())
	root.AddCommand(newRetryCommand())
	root.AddCommand(newDiscardCommand())
	root.AddCommand(newServeCommand())
	return root
}

type captureOptions struct {
	memoryType    string
	text          string
	dictate       bool
	photos        []string
	videos        []string
	audio         string
	audioDuration time.Duration
	tags          []string
	lat, lon      float64
	noLocation    bool
}

func newCaptureCommand() *cobra.Command {
	var opts captureOptions

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a memory and save it, or queue it when offline",
		Example: strings.Join([]string{
			"  memories capture --type moment --text \"coffee with Ana\" --photo cafe.jpg",
			"  memories capture --type story --audio story.m4a --audio-duration 3m12s",
			"  echo \"the old bakery\" | memories capture --type memento --dictate",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.noLocation = !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon")
			draft, err := buildDraft(cmd.Context(), opts, cmd.InOrStdin(), time.Now())
			if err != nil {
				return err
			}
			a, err := openAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.engine.Submit(cmd.Context(), a.cfg.UserID, draft)
			out := cmd.OutOrStdout()
			switch {
			case err != nil && result.Queued:
				fmt.Fprintf(out, "kept %s in the queue as failed: %v\n", result.LocalID, err)
				return err
			case err != nil:
				return err
			case result.Queued:
				fmt.Fprintf(out, "queued %s; it will sync when the server is reachable\n", result.LocalID)
			default:
				fmt.Fprintf(out, "saved %s as %s\n", result.LocalID, result.ServerMemoryID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.memoryType, "type", "t", "moment", "Memory type: moment|story|memento")
	cmd.Flags().StringVar(&opts.text, "text", "", "Text of the memory")
	cmd.Flags().BoolVar(&opts.dictate, "dictate", false, "Append lines read from stdin as dictated text")
	cmd.Flags().StringArrayVar(&opts.photos, "photo", nil, "Photo file (repeatable)")
	cmd.Flags().StringArrayVar(&opts.videos, "video", nil, "Video file (repeatable)")
	cmd.Flags().StringVar(&opts.audio, "audio", "", "Audio recording file")
	cmd.Flags().DurationVar(&opts.audioDuration, "audio-duration", 0, "Length of the audio recording")
	cmd.Flags().StringArrayVar(&opts.tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().Float64Var(&opts.lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&opts.lon, "lon", 0, "Longitude")
	return cmd
}

// buildDraft drives a capture through the same state machine a UI would.
func buildDraft(ctx context.Context, opts captureOptions, stdin io.Reader, now time.Time) (capture.Draft, error) {
	memoryType, err := capture.ParseMemoryType(opts.memoryType)
	if err != nil {
		return capture.Draft{}, err
	}
	c := capture.New(memoryType)
	defer c.Close()

	if err := c.UpdateInputText(opts.text); err != nil {
		return capture.Draft{}, err
	}
	for _, p := range opts.photos {
		if err := c.AddPhoto(p); err != nil {
			return capture.Draft{}, err
		}
	}
	for _, p := range opts.videos {
		if err := c.AddVideo(p); err != nil {
			return capture.Draft{}, err
		}
	}
	if opts.audio != "" {
		if err := c.SetAudio(opts.audio, opts.audioDuration); err != nil {
			return capture.Draft{}, err
		}
	}
	for _, tag := range opts.tags {
		if err := c.AddTag(tag); err != nil {
			return capture.Draft{}, err
		}
	}
	if !opts.noLocation {
		if err := c.CaptureLocation(ctx, capture.StaticLocator{Lat: opts.lat, Lon: opts.lon, Set: true}); err != nil {
			return capture.Draft{}, err
		}
	}
	if opts.dictate {
		if err := c.StartDictation(ctx, capture.LineTranscriber{R: stdin}); err != nil {
			return capture.Draft{}, err
		}
		if err := waitIdle(ctx, c); err != nil {
			return capture.Draft{}, err
		}
	}
	return c.Finalize(now)
}

func waitIdle(ctx context.Context, c *capture.Capture) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for c.State() != capture.StateIdle {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass over the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			if n, err := a.store.RecoverInterrupted(cmd.Context()); err != nil {
				return err
			} else if n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d interrupted items\n", n)
			}
			summary, err := a.engine.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			if summary.Offline && summary.Attempted == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "server unreachable; nothing synced")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, completed %d, failed %d\n", summary.Attempted, summary.Completed, summary.Failed)
			return nil
		},
	}
}

func newQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List captures waiting to sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.engine.List(cmd.Context())
			if err != nil {
				return err
			}
			writeQueue(cmd.OutOrStdout(), items, time.Now())
			return nil
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <local-id>",
		Short: "Give a failed capture a fresh set of attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s queued again\n", args[0])
			return nil
		},
	}
}

func newDiscardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <local-id>",
		Short: "Drop a capture from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s discarded\n", args[0])
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local agent API",
		Long:  "Keep syncing in the background and expose the queue and completion events on MEMORIES_AGENT_ADDR.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			api := agentapi.New(a.engine, a.cfg.UserID, a.metrics)
			httpServer := &http.Server{
				Addr:              a.cfg.AgentAddr,
				Handler:           api.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			engineDone := make(chan error, 1)
			go func() {
				engineDone <- a.engine.Run(ctx)
			}()
			go func() {
				log.Printf("agent listening on %s (server %s)", a.cfg.AgentAddr, a.cfg.ServerURL)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("listen error: %v", err)
					stop()
				}
			}()

			<-ctx.Done()
			log.Printf("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("graceful shutdown failed: %v", err)
				_ = httpServer.Close()
			}
			if err := <-engineDone; err != nil {
				return err
			}
			log.Printf("shutdown complete")
			return nil
		},
	}
}
