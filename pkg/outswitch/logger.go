package outswitch

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stalexteam/outswitch/pkg/outswitch/util"
)

const (
	buildTypeNone = ""
	buildTypeDev  = "dev"

	logDirectory = "logs"
	logFilename  = "outswitch-latest-run.log"
)

// NewLogger provides a logger instance for the whole program.
// release builds log to a file (and stderr), everything else logs colored output to stderr only
func NewLogger(buildType string, verbose bool) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == buildTypeNone || buildType == buildTypeDev {
		loggerConfig = zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		if !verbose {
			loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	} else {
		loggerConfig = zap.NewProductionConfig()

		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig.OutputPaths = []string{filepath.Join(logDirectory, logFilename), "stderr"}
		loggerConfig.Encoding = "console"
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		if verbose {
			loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
	}

	// all build types: make it readable
	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
	}

	loggerConfig.EncoderConfig.EncodeName = func(s string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("%-27s", s))
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	// no reason not to use the sugared logger - it's fast enough for anything we're gonna do
	sugar := logger.Sugar()

	return sugar, nil
}
