package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/tidelake/stratum/pkg/etl/config"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

// Open opens the warehouse store described by cfg and returns a Conn.
func Open(cfg config.DatabaseConfig, logLevel string) (Conn, error) {
	if cfg.DSN == "" {
		return nil, exception.Newf(moduleName, exception.KindConfig, "database DSN is empty for type '%s'", cfg.Type)
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, exception.Newf(moduleName, exception.KindConfig, "unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: NewGormLogger(logLevel)})
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to open %s store", cfg.Type), err)
	}
	return NewFromGorm(db, strings.ToLower(cfg.Type))
}

// NewGormLogger creates a gorm logger that redirects output through the
// runner's leveled logger.
func NewGormLogger(level string) gorm_logger.Interface {
	var gormLevel gorm_logger.LogLevel
	switch config.LogLevel(strings.ToUpper(level)) {
	case config.LogLevelSilent:
		gormLevel = gorm_logger.Silent
	case config.LogLevelError:
		gormLevel = gorm_logger.Error
	case config.LogLevelWarn:
		gormLevel = gorm_logger.Warn
	case config.LogLevelInfo, config.LogLevelDebug:
		gormLevel = gorm_logger.Warn
	default:
		gormLevel = gorm_logger.Silent
	}

	return gorm_logger.New(
		&gormWriter{},
		gorm_logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// gormWriter redirects GORM log output to the runner's logger.
type gormWriter struct{}

// Printf implements the gorm logger Writer interface.
func (w *gormWriter) Printf(format string, v ...interface{}) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if strings.Contains(msg, "SELECT") || strings.Contains(msg, "INSERT") ||
		strings.Contains(msg, "UPDATE") || strings.Contains(msg, "DELETE") {
		logger.Debugf("[GORM] %s", msg)
		return
	}
	logger.Infof("[GORM] %s", msg)
}
