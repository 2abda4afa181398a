package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/databox/monitor"
)

// NewExecutor creates the sandbox executor for the configured backend.
func NewExecutor(logger *zap.Logger, config *Config, mon *monitor.Monitor) (Executor, error) {
	switch config.Backend {
	case "python":
		return NewPythonExecutor(logger, config, mon), nil
	case "docker":
		return NewDockerExecutor(logger, config), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}
}
