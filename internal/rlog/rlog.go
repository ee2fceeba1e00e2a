// Package rlog initializes the broker's structured logger, following the
// teacher's core/log.Initialize(config.LogConfig) shape: logrus with a
// text or JSON formatter chosen by config, and an optional
// github.com/yukitsune/lokirus hook shipping Info/Warn/Error/Fatal records
// to a Loki endpoint when a Loki address is configured (grounded on
// proxy/main.go's initLogging, the one place in the pack that actually
// wires lokirus up end to end).
package rlog

import (
	"strings"

	"github.com/sirupsen/logrus"
	loki "github.com/yukitsune/lokirus"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokercfg"
)

// timestampFormat matches the teacher's core/log test expectations
// (TestInitializeTextFormatter/TestInitializeJSONFormatter both assert this
// exact layout).
const timestampFormat = "2006-01-02 15:04:05"

// Initialize configures logrus's standard logger from cfg and returns a
// *logrus.Entry carrying the "component":"broker" field every broker
// subsystem logs through. Safe to call more than once (e.g. in tests);
// each call replaces the formatter/level/hooks rather than accumulating.
func Initialize(cfg brokercfg.LogConfig) *logrus.Entry {
	logger := logrus.StandardLogger()

	if strings.EqualFold(cfg.Formatter, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	}

	logger.ReplaceHooks(make(logrus.LevelHooks))
	if cfg.Loki.Address != "" {
		opts := loki.NewLokiHookOptions().
			WithLevelMap(loki.LevelMap{logrus.PanicLevel: "critical"}).
			WithFormatter(&logrus.JSONFormatter{}).
			WithStaticLabels(loki.Labels(cfg.Loki.Labels))

		hook := loki.NewLokiHookWithOpts(
			cfg.Loki.Address,
			opts,
			logrus.InfoLevel,
			logrus.WarnLevel,
			logrus.ErrorLevel,
			logrus.FatalLevel,
		)
		logger.AddHook(hook)
	}

	return logger.WithField("component", "broker")
}
