// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

// Package logger provides structured JSON logging with the multi-tenant
// fields every gateway component carries: component name, instance,
// community id and request id. Logs go to stdout for the container
// runtime to collect.
package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger emits structured log entries for one component.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is the JSON shape of one log line.
type LogEntry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	InstanceID  string                 `json:"instance_id"`
	Container   string                 `json:"container"`
	CommunityID string                 `json:"community_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log writes a structured entry to stdout.
func (l *Logger) Log(level LogLevel, communityID, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Level:       level,
		Component:   l.Component,
		InstanceID:  l.InstanceID,
		Container:   l.Container,
		CommunityID: communityID,
		RequestID:   requestID,
		Message:     message,
		Fields:      fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message.
func (l *Logger) Info(communityID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, communityID, requestID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(communityID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, communityID, requestID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(communityID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, communityID, requestID, message, fields)
}

// Debug logs a debug message.
func (l *Logger) Debug(communityID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, communityID, requestID, message, fields)
}

// ErrorWithErr logs an error message with the error attached as a field.
func (l *Logger) ErrorWithErr(communityID, requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(communityID, requestID, message, fields)
}
