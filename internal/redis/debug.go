package redis

import (
	"log"
	"os"
	"strings"
)

var redisDebugEnabled = strings.EqualFold(os.Getenv("OCRGATE_REDIS_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if redisDebugEnabled {
		log.Printf(format, args...)
	}
}
