package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// StartEmbeddedNATSServer runs an in-process NATS server with JetStream
// enabled. Meant for development and tests; production workers point at an
// external cluster instead.
func StartEmbeddedNATSServer(logger *log.Logger) (*server.Server, error) {
	storeDir, err := os.MkdirTemp("", "engram-jetstream-")
	if err != nil {
		return nil, fmt.Errorf("creating jetstream store dir: %w", err)
	}

	opts := &server.Options{
		JetStream: true,
		StoreDir:  storeDir,
		Port:      server.RANDOM_PORT,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go s.Start()

	if !s.ReadyForConnections(10 * time.Second) {
		return nil, errors.New("NATS server not ready in time")
	}

	logger.Info("Started embedded NATS server",
		"url", s.ClientURL(), "store", filepath.Base(storeDir))
	return s, nil
}

// ConnectNATS dials the queue with reconnect behavior suited to a
// long-running worker.
func ConnectNATS(logger *log.Logger, url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}
