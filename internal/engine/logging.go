package engine

import (
	"github.com/sirupsen/logrus"
)

func (e *Engine) logEntry() *logrus.Entry {
	entry := e.log.WithComponent("engine")
	if e.cfg != nil && e.cfg.Strategy.ID != "" {
		entry = entry.WithField("strategy", e.cfg.Strategy.ID)
	}
	return entry
}
