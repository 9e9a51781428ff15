// Package logging provides the logrus setup and the Gin middleware for request logging
// and panic recovery used by the proxy.
package logging

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gemini-oauth-proxy/internal/util"
	log "github.com/sirupsen/logrus"
)

// apiPathPrefixes lists the generate-content paths that get request ID tracking.
var apiPathPrefixes = []string{
	"/v1beta/models/",
	"/models/",
}

const skipGinLogKey = "__gin_skip_request_logging__"

// GinLogrusLogger returns a Gin middleware handler that logs HTTP requests using logrus.
// Generate-content requests get a request ID, taken from X-Request-Id when the caller
// supplies a sane one, which is propagated through the request context.
//
// Output format (API): [2025-12-23 20:14:10] [a1b2c3d4] [info ] 200 |       23.559s | ...
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := util.MaskSensitiveQuery(c.Request.URL.RawQuery)

		var requestID string
		if isAPIPath(path) {
			requestID = sanitizeInboundRequestID(c.GetHeader(RequestIDHeader))
			if requestID == "" {
				requestID = GenerateRequestID()
			}
			SetGinRequestID(c, requestID)
			c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))
			c.Header(RequestIDHeader, requestID)
		}

		c.Next()

		if shouldSkipGinRequestLogging(c) {
			return
		}

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		logLine := fmt.Sprintf("%3d | %13v | %15s | %-7s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine = logLine + " | " + strings.TrimSpace(errorMessage)
		}

		entry := log.NewEntry(log.StandardLogger())
		if requestID != "" {
			entry = entry.WithField("request_id", requestID)
		}
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

func isAPIPath(path string) bool {
	for _, prefix := range apiPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from panics, logs them
// with the stack trace and answers 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// net/http aborts the connection quietly for this sentinel.
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// SkipGinRequestLogging marks the provided Gin context so that GinLogrusLogger
// will not emit a log line for it. Used by the health probe.
func SkipGinRequestLogging(c *gin.Context) {
	if c != nil {
		c.Set(skipGinLogKey, true)
	}
}

func shouldSkipGinRequestLogging(c *gin.Context) bool {
	if c == nil {
		return false
	}
	flag, _ := c.Get(skipGinLogKey)
	skip, _ := flag.(bool)
	return skip
}
