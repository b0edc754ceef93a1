package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default structured logger for the engine.
// It emits JSON when running in Kubernetes (for log aggregation) and
// human-readable text locally. Safe for concurrent use.
//
// Configuration priority:
//  1. Explicit parameters (highest)
//  2. Environment variables (LLMHIVE_LOG_LEVEL, LLMHIVE_LOG_FORMAT)
//  3. Auto-detection (K8s environment)
//  4. Defaults (lowest)
type ProductionLogger struct {
	level       int
	serviceName string
	format      string
	output      io.Writer
	mu          sync.Mutex
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) int {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return levelDebug
	case "WARN", "WARNING":
		return levelWarn
	case "ERROR":
		return levelError
	default:
		return levelInfo
	}
}

// NewProductionLogger creates a logger writing to stderr.
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := os.Getenv("LLMHIVE_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if f := os.Getenv("LLMHIVE_LOG_FORMAT"); f != "" {
		format = f
	}

	return &ProductionLogger{
		level:       parseLevel(level),
		serviceName: serviceName,
		format:      format,
		output:      os.Stderr,
	}
}

// NewProductionLoggerWithOutput creates a logger writing to the given writer.
// Used by tests to capture output.
func NewProductionLoggerWithOutput(serviceName string, output io.Writer) *ProductionLogger {
	l := NewProductionLogger(serviceName)
	l.output = output
	return l
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) log(level int, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     levelName,
			"service":   l.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.output, "%s %s %s (unserializable fields: %v)\n",
				time.Now().UTC().Format(time.RFC3339), levelName, msg, err)
			return
		}
		fmt.Fprintln(l.output, string(data))
		return
	}

	// Text format: stable field ordering for readability
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(levelName)
	b.WriteString(" ")
	b.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
	}
	fmt.Fprintln(l.output, b.String())
}
