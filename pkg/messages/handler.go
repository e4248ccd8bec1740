package messages

import (
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Handler receives diagnostics. Implementations may be called from
// several goroutines, but the cabinet builder serializes its own calls.
type Handler interface {
	Handle(Message)
}

type HandlerFunc func(Message)

func (f HandlerFunc) Handle(m Message) { f(m) }

type logHandler struct {
	logger log.Logger
}

// NewLogHandler writes messages to a go-kit logger, mapping severities
// onto levels.
func NewLogHandler(logger log.Logger) Handler {
	return &logHandler{logger: logger}
}

func (h *logHandler) Handle(m Message) {
	var l log.Logger
	switch m.Severity {
	case Error:
		l = level.Error(h.logger)
	case Warning:
		l = level.Warn(h.logger)
	default:
		l = level.Info(h.logger)
	}

	keyvals := []interface{}{
		"msg", m.Text(),
		"id", m.ID,
		"severity", m.Severity.String(),
	}
	if m.Source != "" {
		keyvals = append(keyvals, "source", m.Source)
	}

	l.Log(keyvals...)
}
