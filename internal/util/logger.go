// Package util provides logging and host metrics helpers shared by blockfort components.
package util

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	AppName    string `json:"-"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxSizeMB:  10,
		MaxBackups: 5,
		Console:    true,
		AppName:    AppName,
	}
}

// InitLogger replaces the global logger with one writing JSON lines to a
// daily file and, optionally, human-readable lines to stdout. Caller
// locations are only recorded at debug level and below.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.AppName == "" {
		cfg.AppName = AppName
	}
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFilePath := LogFilePath(cfg, time.Now())
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:          os.Stdout,
			TimeFormat:   "15:04:05.000",
			PartsExclude: []string{zerolog.CallerFieldName},
		})
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("app", cfg.AppName)
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go func() {
		if n := pruneLogs(cfg.Directory, cfg.AppName, cfg.MaxBackups); n > 0 {
			log.Debug().Int("removed", n).Msg("old log files removed")
		}
	}()
	return nil
}

// LogFilePath picks the file for day. Once a day's file reaches
// MaxSizeMB the next numbered file is used: name_2006-01-02.log,
// name_2006-01-02.1.log and so on.
func LogFilePath(cfg LogConfig, day time.Time) string {
	base := fmt.Sprintf("%s_%s", cfg.AppName, day.Format("2006-01-02"))
	path := filepath.Join(cfg.Directory, base+".log")
	if cfg.MaxSizeMB <= 0 {
		return path
	}
	limit := int64(cfg.MaxSizeMB) * 1024 * 1024
	for i := 1; ; i++ {
		info, err := os.Stat(path)
		if err != nil || info.Size() < limit {
			return path
		}
		path = filepath.Join(cfg.Directory, fmt.Sprintf("%s.%d.log", base, i))
	}
}

// pruneLogs keeps the newest keep log files of app and returns how many
// were removed. File names embed the date, so name order is age order
// within a day's numbered parts as well.
func pruneLogs(directory, app string, keep int) int {
	entries, err := os.ReadDir(directory)
	if err != nil || keep < 0 {
		return 0
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".log" || !strings.HasPrefix(name, app+"_") {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return 0
	}
	sort.Slice(names, func(i, j int) bool { return logAge(names[i]) < logAge(names[j]) })

	removed := 0
	for _, name := range names[:len(names)-keep] {
		if os.Remove(filepath.Join(directory, name)) == nil {
			removed++
		}
	}
	return removed
}

// logAge orders name_DATE.log before name_DATE.N.log.
func logAge(name string) string {
	stem := strings.TrimSuffix(name, ".log")
	part := 0
	if dot := strings.LastIndexByte(stem, '.'); dot >= 0 {
		if n, err := strconv.Atoi(stem[dot+1:]); err == nil {
			stem, part = stem[:dot], n
		}
	}
	return fmt.Sprintf("%s.%08d", stem, part)
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// PeerLogger derives a per-connection logger from parent. Ids below zero
// are not allocated yet and are left out.
func PeerLogger(parent zerolog.Logger, addr netip.AddrPort, connID, playerID int) zerolog.Logger {
	ctx := parent.With().Str("addr", addr.String())
	if connID >= 0 {
		ctx = ctx.Int("conn_id", connID)
	}
	if playerID >= 0 {
		ctx = ctx.Int("player_id", playerID)
	}
	return ctx.Logger()
}

// LevelIsDebug reports whether the global level enables debug output.
func LevelIsDebug() bool {
	return zerolog.GlobalLevel() <= zerolog.DebugLevel
}
