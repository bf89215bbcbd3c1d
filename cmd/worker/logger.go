package main

import (
	"fmt"
	"os"

	"filing-analyzer/internal/logger"
)

// asynqLogger routes asynq's internal logging into the structured logger.
type asynqLogger struct{}

func newAsynqLogger() asynqLogger { return asynqLogger{} }

func (asynqLogger) Debug(args ...interface{}) { logger.Debug(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Info(args ...interface{})  { logger.Info(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Warn(args ...interface{})  { logger.Warn(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Error(args ...interface{}) { logger.Error(fmt.Sprint(args...), "component", "asynq") }

func (asynqLogger) Fatal(args ...interface{}) {
	logger.Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}
