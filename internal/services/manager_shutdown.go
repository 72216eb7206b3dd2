package services

import (
	"context"
	"log"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/codetrek/replix/internal/replicator"
)

// Shutdown stops everything in reverse start order: API first so no new
// control requests arrive, then the replications (waiting for them to flush
// their checkpoints), then the peer listener, then storage.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs *multierror.Error

	if m.apiServer != nil {
		log.Println("[Services] Stopping API server...")
		if err := m.apiServer.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, rep := range m.replications {
		log.Printf("[Services] Stopping replication %q...", rep.Name)
		rep.Replicator.Stop()
	}
	for _, rep := range m.replications {
		if err := m.waitStopped(ctx, rep.Replicator); err != nil {
			log.Printf("[Services] Timeout stopping replication %q", rep.Name)
			errs = multierror.Append(errs, err)
		}
	}

	if m.peerListener != nil {
		log.Println("[Services] Stopping peer listener...")
		if err := m.peerListener.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if m.natsConn != nil {
		log.Println("[Services] Closing NATS connection...")
		m.natsConn.Close()
	}

	if m.db != nil {
		if err := m.db.Close(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if m.mongoClient != nil {
		if err := m.mongoClient.Disconnect(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (m *Manager) waitStopped(ctx context.Context, r *replicator.Replicator) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for r.Status().Level != replicator.LevelStopped {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
