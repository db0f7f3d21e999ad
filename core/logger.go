package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger writes structured logs to stdout. It emits JSON when
// running inside Kubernetes (detected via KUBERNETES_SERVICE_HOST) and a
// human-readable text format otherwise.
//
// Configuration priority:
//  1. Explicit setters (highest)
//  2. Environment variables (JOBFLOW_LOG_LEVEL, JOBFLOW_LOG_FORMAT)
//  3. Auto-detection (K8s environment)
//  4. Defaults (lowest)
type ProductionLogger struct {
	level       string
	serviceName string
	format      string
	output      io.Writer
	mu          sync.RWMutex
}

// NewProductionLogger creates a logger for the given service name.
func NewProductionLogger(serviceName string) *ProductionLogger {
	level := os.Getenv("JOBFLOW_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("JOBFLOW_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:       strings.ToUpper(level),
		serviceName: serviceName,
		format:      format,
		output:      os.Stdout,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"message":   msg,
	}

	for k, v := range fields {
		if k != "timestamp" && k != "level" && k != "service" && k != "message" {
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		// Common fields first for readability
		if op, ok := fields["operation"]; ok {
			fieldStr.WriteString(fmt.Sprintf("operation=%v ", op))
		}
		if err, ok := fields["error"]; ok {
			fieldStr.WriteString(fmt.Sprintf("error=%q ", fmt.Sprintf("%v", err)))
		}
		for k, v := range fields {
			if k == "operation" || k == "error" {
				continue
			}
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n",
		timestamp, level, l.serviceName, msg, fieldStr.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level.
func (l *ProductionLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
}

// SetOutput changes the output writer (useful for testing).
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
