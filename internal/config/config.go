package config

import (
	"github.com/kelseyhightower/envconfig"
)

type App struct {
	// Network
	ListenAddr string `envconfig:"SYNC_LISTEN_ADDR" default:":8080"`

	// Entity store
	StateBackend string `envconfig:"SYNC_STATE_BACKEND" default:"memory"` // memory|badger|pebble
	DataDir      string `envconfig:"SYNC_DATA_DIR" default:"./data/kitsync"`

	// Event log
	Retention   int    `envconfig:"SYNC_EVENT_RETENTION" default:"4096"`
	JournalDir  string `envconfig:"SYNC_JOURNAL_DIR" default:"./journal"`
	JournalFile string `envconfig:"SYNC_JOURNAL_FILE" default:"events.jsonl"`
	JournalOn   bool   `envconfig:"SYNC_JOURNAL" default:"true"`

	// Kafka sink (optional; empty bootstrap disables it)
	KafkaBootstrap string `envconfig:"SYNC_KAFKA_BOOTSTRAP" default:""`
	KafkaTopic     string `envconfig:"SYNC_KAFKA_TOPIC" default:"kitsync.events"`

	// Recovery replay source on boot: none|file|kafka
	ReplaySource string `envconfig:"SYNC_REPLAY_SOURCE" default:"file"`

	// Booking sweeper
	SweepIntervalSec int `envconfig:"SYNC_SWEEP_INTERVAL_SEC" default:"15"`

	// Logging
	LogLevel  string `envconfig:"SYNC_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"SYNC_LOG_FORMAT" default:"console"` // console|json
}

func Load() (App, error) {
	var c App
	err := envconfig.Process("", &c)
	return c, err
}
