package kafka

import (
	"time"

	"github.com/mohammed-shakir/mocgen/internal/core/config"
)

type RequestsConfig struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
	DedupeSize       int
}

func FromConfig(k config.KafkaCfg) RequestsConfig {
	return RequestsConfig{
		Enabled:          k.RequestsEnable,
		Brokers:          k.Brokers,
		Topic:            k.RequestsTopic,
		GroupID:          k.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
		DedupeSize:       8192,
	}
}
