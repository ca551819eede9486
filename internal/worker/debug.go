package worker

import (
	"os"
	"strings"

	"docchat/internal/logger"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("DOCCHAT_WORKER_DEBUG"), "1")

func debugLog(log *logger.Logger, msg string, keysAndValues ...interface{}) {
	if workerDebugEnabled {
		log.Debug(msg, keysAndValues...)
	}
}
