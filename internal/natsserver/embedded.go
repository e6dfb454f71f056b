// Package natsserver runs an in-process NATS server so a single voicechat
// node can use bus-backed capture, playback and replies without external
// infrastructure.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// Session control messages are small JSON documents; anything larger is a
// misbehaving peer.
const maxPayload = 256 * 1024

// EmbeddedServer is the local bus for one voicechat node.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the embedded server when cfg asks for one and returns nil
// otherwise. A port of -1 binds a free port; ClientURL reports the address.
// The server is named after nodeID so peers can tell nodes apart in
// monitoring output.
func Start(cfg config.BusConfig, nodeID string, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "embedded-bus"))

	opts := &server.Options{
		ServerName: nodeID,
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		MaxPayload: maxPayload,
		JetStream:  cfg.StoreDir != "",
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	} else if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded bus: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded bus not ready after %s", readyTimeout)
	}

	log.Info("embedded bus started",
		slog.String("url", ns.ClientURL()),
		slog.String("server_name", nodeID),
		slog.Bool("jetstream", opts.JetStream))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Healthy reports whether the server still accepts clients. A nil server is
// healthy since nothing depends on it.
func (e *EmbeddedServer) Healthy() bool {
	if e == nil || e.ns == nil {
		return true
	}
	return e.ns.Running()
}

// Clients is the number of connected bus clients.
func (e *EmbeddedServer) Clients() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

// Shutdown stops the server and waits for it to exit. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping embedded bus", slog.Int("clients", e.ns.NumClients()))
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
