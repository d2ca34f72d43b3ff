package rdma

import (
	"context"
	"log/slog"

	"github.com/railfabric/rdmatransport/internal"
)

// logger is embedded by Device, Endpoint, SendComm and ReceiveComm for log
// output. A nil
// wrapped logger is a silent no-op, so zero-value components never need a
// logger wired in to function.
type logger struct {
	log *slog.Logger
}

func newLogger(l *slog.Logger) logger { return logger{log: l} }

func (g logger) trace(msg string, args ...any) {
	if !internal.LogEnabled(g.log, internal.LevelTrace) {
		return
	}
	g.log.Log(context.Background(), internal.LevelTrace, msg, args...)
}

func (g logger) debug(msg string, args ...any) {
	if !internal.LogEnabled(g.log, slog.LevelDebug) {
		return
	}
	g.log.Debug(msg, args...)
}

func (g logger) info(msg string, args ...any) {
	if !internal.LogEnabled(g.log, slog.LevelInfo) {
		return
	}
	g.log.Info(msg, args...)
}

func (g logger) logerr(msg string, err error, args ...any) {
	if g.log == nil {
		return
	}
	g.log.Error(msg, append([]any{"err", err}, args...)...)
}
