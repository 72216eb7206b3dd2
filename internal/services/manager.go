// Package services wires the configured components into one process: the
// storage backend, the inbound peer listener, the outbound replications,
// and the HTTP control API.
package services

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/codetrek/replix/internal/api"
	"github.com/codetrek/replix/internal/auth"
	"github.com/codetrek/replix/internal/config"
	"github.com/codetrek/replix/internal/peer"
	"github.com/codetrek/replix/internal/replicator"
	"github.com/codetrek/replix/internal/storage"
	memorystore "github.com/codetrek/replix/internal/storage/memory"
	mongostore "github.com/codetrek/replix/internal/storage/mongo"
	sqlitestore "github.com/codetrek/replix/internal/storage/sqlite"
	"github.com/codetrek/replix/internal/transport"
)

type Options struct {
	RunAPI          bool
	RunPeerListener bool
	RunReplications bool
}

type Manager struct {
	cfg  *config.Config
	opts Options

	db           storage.Backend
	mongoClient  *mongo.Client
	natsConn     *nats.Conn
	peerListener *peer.Listener
	replications []api.Replication
	apiServer    *http.Server
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	return &Manager{cfg: cfg, opts: opts}
}

// DB exposes the storage backend, available after Init.
func (m *Manager) DB() storage.Backend { return m.db }

// Replications lists the managed replications, available after Init.
func (m *Manager) Replications() []api.Replication { return m.replications }

// Init connects storage and constructs every enabled component. Nothing is
// serving yet; Start begins operation.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.initStorage(ctx); err != nil {
		return err
	}
	if m.opts.RunPeerListener && m.cfg.Peer.Enabled {
		nc, err := nats.Connect(m.cfg.Peer.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting to NATS at %s: %w", m.cfg.Peer.NATSURL, err)
		}
		m.natsConn = nc
		p := peer.New(m.db, peer.Options{
			AuthSecret:    m.cfg.Peer.AuthSecret,
			DisableDeltas: m.cfg.Peer.DisableDeltas,
		})
		m.peerListener = peer.NewListener(p, m.cfg.Peer.Subject)
	}
	if m.opts.RunReplications {
		if err := m.initReplications(); err != nil {
			return err
		}
	}
	if m.opts.RunAPI {
		m.apiServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", m.cfg.API.Port),
			Handler: api.NewServer(m.db, m.replications),
		}
	}
	return nil
}

func (m *Manager) initStorage(ctx context.Context) error {
	switch m.cfg.Storage.Backend {
	case "mongo":
		client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(m.cfg.Storage.MongoURI))
		if err != nil {
			return fmt.Errorf("connecting to MongoDB at %s: %w", m.cfg.Storage.MongoURI, err)
		}
		m.mongoClient = client
		backend, err := mongostore.New(ctx, client.Database(m.cfg.Storage.DatabaseName))
		if err != nil {
			return err
		}
		m.db = backend
	case "sqlite":
		backend, err := sqlitestore.Open(ctx, m.cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		m.db = backend
	case "memory":
		m.db = memorystore.New()
	default:
		return fmt.Errorf("unknown storage backend %q", m.cfg.Storage.Backend)
	}
	log.Printf("[Services] Storage backend %q ready (database %s)", m.cfg.Storage.Backend, m.db.UUID())
	return nil
}

func (m *Manager) initReplications() error {
	for _, rc := range m.cfg.Replications {
		var token string
		if m.cfg.Peer.AuthSecret != "" {
			var err error
			token, err = auth.Mint(m.cfg.Peer.AuthSecret, m.db.UUID(), auth.DefaultTokenTTL)
			if err != nil {
				return fmt.Errorf("minting push token for %q: %w", rc.Name, err)
			}
		}
		name := rc.Name
		rep := replicator.New(m.db, transport.NATS{}, replicator.Options{
			PeerURL:     rc.PeerURL,
			Continuous:  rc.Continuous,
			DocIDs:      rc.DocIDs,
			SkipDeleted: rc.SkipDeleted,
			SkipForeign: rc.SkipForeign,
			AuthToken:   token,
			NoDeltas:    rc.NoDeltas,
			MaxRetries:  rc.MaxRetries,
			Timeout:     rc.Timeout,
			OnStatusChanged: func(st replicator.Status) {
				if st.Err != nil {
					log.Printf("[Services] Replication %q is %s: %v", name, st.Level, st.Err)
				} else {
					log.Printf("[Services] Replication %q is %s (%d/%d)", name, st.Level,
						st.Progress.Completed, st.Progress.Total)
				}
			},
		})
		m.replications = append(m.replications, api.Replication{Name: rc.Name, Replicator: rep})
	}
	return nil
}

// Start begins serving: peer listener first so inbound sessions can land,
// then the outbound replications, then the HTTP API.
func (m *Manager) Start(ctx context.Context) error {
	if m.peerListener != nil {
		if err := m.peerListener.Start(ctx, m.natsConn); err != nil {
			return fmt.Errorf("starting peer listener: %w", err)
		}
	}
	for _, rep := range m.replications {
		log.Printf("[Services] Starting replication %q", rep.Name)
		rep.Replicator.Start()
	}
	if m.apiServer != nil {
		go func() {
			log.Printf("[Services] API listening on %s", m.apiServer.Addr)
			if err := m.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[Services] API server failed: %v", err)
			}
		}()
	}
	return nil
}

// WaitForLevel blocks until the named replication reaches level, or ctx
// expires. Used by one-shot runs to wait for completion.
func (m *Manager) WaitForLevel(ctx context.Context, name string, level replicator.Level) error {
	var rep *api.Replication
	for i := range m.replications {
		if m.replications[i].Name == name {
			rep = &m.replications[i]
		}
	}
	if rep == nil {
		return fmt.Errorf("unknown replication %q", name)
	}
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		st := rep.Replicator.Status()
		if st.Level == level {
			return st.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
