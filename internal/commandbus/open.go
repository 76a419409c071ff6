package commandbus

import (
	"fmt"
	"strings"

	logx "dispatchd/pkg/logx"
)

// Open builds the transport named by cfg.Driver. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.Buffer, log), nil
	case "amqp", "rabbitmq":
		return NewAMQP(cfg, log)
	default:
		return nil, fmt.Errorf("commandbus: unknown driver %q", cfg.Driver)
	}
}
