package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"go.uber.org/zap"
)

// snapshotPublisher pushes a written snapshot to live subscribers
type snapshotPublisher interface {
	Publish(snapshot Snapshot) bool
}

// Broadcaster serves Socket.IO on its own listener and pushes every
// written snapshot to the root namespace
type Broadcaster struct {
	server     *socketio.Server
	httpServer *http.Server
	event      string
	logger     *Logger
	metrics    *MetricsCollector
}

// NewBroadcaster creates the Socket.IO server; call Start to listen
func NewBroadcaster(cfg BroadcastConfig, logger *Logger, metrics *MetricsCollector) *Broadcaster {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		metrics.BroadcastClients.Inc()
		logger.Debug("Broadcast client connected", zap.String("client_id", s.ID()))
		return nil
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		metrics.BroadcastClients.Dec()
		logger.Debug("Broadcast client disconnected", zap.String("client_id", s.ID()), zap.String("reason", reason))
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		logger.WithError(err).Warn("Broadcast connection error")
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)

	return &Broadcaster{
		server: server,
		httpServer: &http.Server{
			Addr:              listenAddr(cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		event:   cfg.Event,
		logger:  logger,
		metrics: metrics,
	}
}

// Start runs the Socket.IO event loop and its HTTP listener
func (b *Broadcaster) Start() {
	GoSafe(b.logger, "broadcast_server", func() {
		if err := b.server.Serve(); err != nil {
			b.logger.WithError(err).Error("Socket.IO server stopped")
		}
	})

	GoSafe(b.logger, "broadcast_listener", func() {
		b.logger.Info("Starting broadcast listener", zap.String("addr", b.httpServer.Addr))
		if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.WithError(err).Error("Broadcast listener failed")
		}
	})
}

// Publish emits the snapshot to every client in the root namespace
func (b *Broadcaster) Publish(snapshot Snapshot) bool {
	return b.server.BroadcastToNamespace("/", b.event, snapshot)
}

// Shutdown stops the listener and closes client connections
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	httpErr := b.httpServer.Shutdown(ctx)
	if err := b.server.Close(); err != nil {
		return fmt.Errorf("failed to close socket.io server: %w", err)
	}
	return httpErr
}

// broadcastingStore publishes each successful write. A failed publish
// never fails the write.
type broadcastingStore struct {
	SnapshotStore
	publisher snapshotPublisher
	logger    *Logger
}

func newBroadcastingStore(store SnapshotStore, publisher snapshotPublisher, logger *Logger) *broadcastingStore {
	return &broadcastingStore{SnapshotStore: store, publisher: publisher, logger: logger}
}

func (s *broadcastingStore) WriteSnapshot(ctx context.Context, vehicles []VehicleRecord) (WriteResult, error) {
	result, err := s.SnapshotStore.WriteSnapshot(ctx, vehicles)
	if err != nil {
		return result, err
	}

	timestamp := result.ServerTimestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	if !s.publisher.Publish(NewSnapshot(timestamp.UnixMilli(), vehicles)) {
		s.logger.WithContext(ctx).Debug("Snapshot broadcast had no namespace to publish to")
	}

	return result, nil
}
