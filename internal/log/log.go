package log

import (
	"os"

	"github.com/google/uuid"
	"github.com/nullseed/logruseq"
	"github.com/sirupsen/logrus"
	"github.com/zamer-sys/avito-articulum-parser/internal/util"
)

var entry *logrus.Entry

type Logger = *logrus.Entry

func InitLogger(config *util.Config) {

	logger := logrus.Logger{
		Out:   os.Stdout,
		Hooks: make(logrus.LevelHooks),
		Level: logrus.DebugLevel,
	}

	if config.Environment.Value == "production" {
		logger.Formatter = &logrus.JSONFormatter{}
	} else {
		logger.Formatter = &logrus.TextFormatter{
			ForceColors:      true,
			FullTimestamp:    false,
			QuoteEmptyFields: true,
		}
	}

	if config.SeqUrl.Value != "" {
		seqHook := logruseq.NewSeqHook(config.SeqUrl.Value, logruseq.OptionAPIKey(config.SeqToken.Value))
		logger.AddHook(seqHook)
	} else {
		logger.Warn("logger running without seq hook")
	}

	u := uuid.New().String()
	entry = logger.WithField("TraceId", u)
}

func AddGlobalField(name string, value interface{}) Logger {
	entry = entry.WithField(name, value)
	return entry
}

func GetLogger() Logger {
	if entry == nil {
		// tests and tools may not call InitLogger
		logger := logrus.New()
		logger.SetOutput(os.Stdout)
		entry = logrus.NewEntry(logger)
	}

	return entry
}
