// Package config reads the configuration surface from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Gateway configures the chat-gateway binary.
type Gateway struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	NATSURL  string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`

	// RegistryDB is the SQLite room registry path.
	RegistryDB string `envconfig:"REGISTRY_DB" default:"./data/rooms.db"`
	// HistoryDir holds the per-room durable logs; the gateway only reads
	// them (paged history, sequence seeding), the persist worker writes.
	HistoryDir string `envconfig:"HISTORY_DIR" default:"./data/history"`

	// ReplaySize is N: how many recent messages a new session replays.
	ReplaySize int `envconfig:"REPLAY_SIZE" default:"50"`
	// SessionBuffer is the per-session outbound channel capacity.
	SessionBuffer int `envconfig:"SESSION_BUFFER" default:"32"`
	// SendTimeout is the slow-consumer disconnect timeout.
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"2s"`
	// EchoToSender delivers a client's own messages back to it.
	EchoToSender bool `envconfig:"ECHO_TO_SENDER" default:"true"`
	// IdleTeardown retires a room's bridge when its last session detaches.
	IdleTeardown bool `envconfig:"IDLE_TEARDOWN" default:"false"`

	// HistoryPageLimit caps one page of the history endpoint.
	HistoryPageLimit int `envconfig:"HISTORY_PAGE_LIMIT" default:"100"`
}

// PersistWorker configures the persist-worker binary.
type PersistWorker struct {
	NATSURL    string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222"`
	HistoryDir string `envconfig:"HISTORY_DIR" default:"./data/history"`

	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"100ms"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"5s"`
	RetryMaxElapsed      time.Duration `envconfig:"RETRY_MAX_ELAPSED" default:"30s"`
}

// LoadGateway reads gateway configuration, honoring a local .env file.
func LoadGateway() (Gateway, error) {
	_ = godotenv.Load()
	var cfg Gateway
	if err := envconfig.Process("", &cfg); err != nil {
		return Gateway{}, fmt.Errorf("load gateway config: %w", err)
	}
	return cfg, nil
}

// LoadPersistWorker reads persist worker configuration.
func LoadPersistWorker() (PersistWorker, error) {
	_ = godotenv.Load()
	var cfg PersistWorker
	if err := envconfig.Process("", &cfg); err != nil {
		return PersistWorker{}, fmt.Errorf("load persist worker config: %w", err)
	}
	return cfg, nil
}
