// Command replix runs the replication engine: `serve` hosts the configured
// node (storage, peer listener, replications, HTTP API) and `push` performs
// a one-shot push to a peer and exits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codetrek/replix/internal/config"
	"github.com/codetrek/replix/internal/replicator"
	"github.com/codetrek/replix/internal/services"
)

const shutdownTimeout = 30 * time.Second

func main() {
	root := &cobra.Command{
		Use:          "replix",
		Short:        "Peer-to-peer document replication engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), pushCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	opts := services.Options{
		RunAPI:          true,
		RunPeerListener: true,
		RunReplications: true,
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			mgr := services.NewManager(cfg, opts)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := mgr.Init(ctx); err != nil {
				return err
			}
			if err := mgr.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			log.Println("Shutting down...")
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return mgr.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&opts.RunAPI, "api", true, "serve the HTTP control API")
	cmd.Flags().BoolVar(&opts.RunPeerListener, "listener", true, "accept inbound replications")
	cmd.Flags().BoolVar(&opts.RunReplications, "replications", true, "run configured outbound replications")
	return cmd
}

func pushCmd() *cobra.Command {
	var (
		peerURL string
		docIDs  []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Run a one-shot push to a peer and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			cfg.Replications = []config.ReplicationConfig{{
				Name:    "push",
				PeerURL: peerURL,
				DocIDs:  docIDs,
			}}
			mgr := services.NewManager(cfg, services.Options{RunReplications: true})

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if err := mgr.Init(ctx); err != nil {
				return err
			}
			if err := mgr.Start(ctx); err != nil {
				return err
			}
			err := mgr.WaitForLevel(ctx, "push", replicator.LevelStopped)

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if serr := mgr.Shutdown(shutdownCtx); err == nil {
				err = serr
			}
			if err != nil {
				return fmt.Errorf("push failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peerURL, "peer", "", "peer address (nats://host:port/subject)")
	cmd.Flags().StringSliceVar(&docIDs, "doc", nil, "restrict the push to these document IDs")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort if not finished within this duration")
	cmd.MarkFlagRequired("peer")
	return cmd
}
