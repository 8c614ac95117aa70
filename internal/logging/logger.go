/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the levelled component logger shared by the compositor
// packages. Output goes through logrus.
package logging

import (
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the initial level, e.g. SHMCOMP_LOG_LEVEL=1 for debug.
const EnvLogLevel = "SHMCOMP_LOG_LEVEL"

var (
	base = logrus.New()
	mu   sync.Mutex

	levels = []logrus.Level{
		logrus.TraceLevel,
		logrus.DebugLevel,
		logrus.InfoLevel,
		logrus.WarnLevel,
		logrus.ErrorLevel,
		logrus.PanicLevel,
	}
)

func init() {
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.999999",
	})
	level := LevelWarn
	if v := os.Getenv(EnvLogLevel); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= LevelTrace && n <= LevelNoPrint {
			level = n
		}
	}
	SetLogLevel(level)
}

// SetLogLevel changes the level of every component logger. The default is
// LevelWarn.
func SetLogLevel(l int) {
	if l < LevelTrace || l > LevelNoPrint {
		return
	}
	mu.Lock()
	base.SetLevel(levels[l])
	mu.Unlock()
}

// SetOutput redirects all component loggers.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

// Logger is a named component logger.
type Logger struct {
	entry *logrus.Entry
}

// New returns the logger for component name.
func New(name string) *Logger {
	return &Logger{entry: base.WithField("component", name)}
}

// WithField returns a child logger carrying an extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.entry.Errorf(format, a...) }

func (l *Logger) Warnf(format string, a ...interface{}) { l.entry.Warnf(format, a...) }

func (l *Logger) Infof(format string, a ...interface{}) { l.entry.Infof(format, a...) }

func (l *Logger) Debugf(format string, a ...interface{}) { l.entry.Debugf(format, a...) }

func (l *Logger) Tracef(format string, a ...interface{}) { l.entry.Tracef(format, a...) }

// Printf lets the logger stand in for libraries that expect a Printf sink.
func (l *Logger) Printf(format string, a ...interface{}) { l.entry.Infof(format, a...) }
