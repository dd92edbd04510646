package whatsapp

import (
	"fmt"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zeroLogger lets the whatsmeow internals log through the bridge's zerolog
// logger, so there is a single log output and level configuration.
type zeroLogger struct {
	log zerolog.Logger
}

var _ waLog.Logger = (*zeroLogger)(nil)

func newLogger(log zerolog.Logger) waLog.Logger {
	return &zeroLogger{log: log}
}

func (z *zeroLogger) Warnf(msg string, args ...any)  { z.log.Warn().Msg(fmt.Sprintf(msg, args...)) }
func (z *zeroLogger) Errorf(msg string, args ...any) { z.log.Error().Msg(fmt.Sprintf(msg, args...)) }
func (z *zeroLogger) Infof(msg string, args ...any)  { z.log.Info().Msg(fmt.Sprintf(msg, args...)) }

// Debugf output from whatsmeow is extremely chatty, so it is demoted to trace.
func (z *zeroLogger) Debugf(msg string, args ...any) { z.log.Trace().Msg(fmt.Sprintf(msg, args...)) }

func (z *zeroLogger) Sub(module string) waLog.Logger {
	return &zeroLogger{log: z.log.With().Str("wa_module", module).Logger()}
}
