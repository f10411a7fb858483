package scheduler

import (
	"github.com/rs/zerolog/log"
)

// cronLogger routes cron's internal logging to zerolog. Cron's info
// messages (schedule, wake, run) are chatty, so they go to trace.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
