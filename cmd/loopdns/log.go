package main

import (
	"fmt"
	"path/filepath"

	"github.com/AdguardTeam/golibs/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// maxLogSizeMB bounds a single rotated log file before lumberjack starts a
// new one.
const maxLogSizeMB = 100

// maxLogBackups is how many rotated log files lumberjack keeps around.
const maxLogBackups = 3

// configureLogFile redirects the legacy golibs/log output to a rotating file
// at path, so a resident process running with -log-file doesn't grow an
// unbounded stderr capture under a service manager.
func configureLogFile(path string) (err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving log file path: %w", err)
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   abs,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		Compress:   true,
		LocalTime:  true,
	})

	return nil
}
