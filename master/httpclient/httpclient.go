// Package httpclient holds the outbound HTTP plumbing shared by the poller, secrets and email
// clients: a retryablehttp.Client with bounded backoff, logging through common/logger.Log.
package httpclient

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/toxicbuild/master/common/logger"
)

// New returns a retryablehttp.Client with bounded backoff, logging through log.
func New(log logger.Log) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.RetryMax = 5
	c.Logger = NewLeveledLogger(log)
	return c
}

type leveledLoggerWrapper struct {
	realLogger logger.Log
}

// NewLeveledLogger adapts a logger.Log to retryablehttp.LeveledLogger.
func NewLeveledLogger(realLogger logger.Log) retryablehttp.LeveledLogger {
	return &leveledLoggerWrapper{realLogger: realLogger}
}

func (l *leveledLoggerWrapper) Error(msg string, keysAndValues ...interface{}) {
	l.realLogger.Error(l.convertMsg(msg, keysAndValues))
}

func (l *leveledLoggerWrapper) Info(msg string, keysAndValues ...interface{}) {
	l.realLogger.Info(l.convertMsg(msg, keysAndValues))
}

func (l *leveledLoggerWrapper) Debug(msg string, keysAndValues ...interface{}) {
	l.realLogger.Debug(l.convertMsg(msg, keysAndValues))
}

func (l *leveledLoggerWrapper) Warn(msg string, keysAndValues ...interface{}) {
	l.realLogger.Warn(l.convertMsg(msg, keysAndValues))
}

func (l *leveledLoggerWrapper) convertMsg(msg string, keysAndValues ...interface{}) string {
	return fmt.Sprintf("%s: %v", msg, keysAndValues)
}
