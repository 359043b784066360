package libcluster

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// Syslog-style priorities.
const (
	LogEmerg = iota
	LogAlert
	LogCrit
	LogErr
	LogWarning
	LogNotice
	LogInfo
	LogDebug
)

// LogFunc receives a priority (0=emerg ... 7=debug) and a formatted
// message. Clusters default to defaultLogger when none is set.
type LogFunc func(priority int, msg string)

// defaultLogger backs clusters that never call SetLogger. It writes
// leveled, structured output tagged with the cluster key.
func defaultLogger(key string) LogFunc {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Str("cluster", key).
		Timestamp().
		Logger()

	return func(priority int, msg string) {
		switch priority {
		case LogEmerg, LogAlert, LogCrit, LogErr:
			zl.Error().Int("syslog_priority", priority).Msg(msg)
		case LogWarning:
			zl.Warn().Msg(msg)
		case LogNotice, LogInfo:
			zl.Info().Msg(msg)
		default:
			zl.Debug().Msg(msg)
		}
	}
}

func (c *Cluster) logf(priority int, format string, args ...interface{}) {
	c.mu.RLock()
	fn := c.logger
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(priority, fmt.Sprintf(format, args...))
}
