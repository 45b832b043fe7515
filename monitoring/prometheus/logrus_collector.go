package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var logEntriesCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "log_entries_total",
	Help: "Count of log entries by level and component prefix.",
}, []string{"level", "prefix"})

// LogrusCollector is a logrus hook that counts emitted log entries by
// severity and component prefix, so alert rules can key off error rates
// of individual pipeline stages.
type LogrusCollector struct {
	entries *prometheus.CounterVec
}

// NewLogrusCollector returns a hook ready to register with logrus.AddHook.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{entries: logEntriesCount}
}

// Fire increments the counter matching the entry.
func (c *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := "global"
	if v, ok := entry.Data["prefix"].(string); ok {
		prefix = v
	}
	c.entries.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels limits the hook to entries worth alerting on.
func (_ *LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}
