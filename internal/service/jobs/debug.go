package jobs

import (
	"log"
	"os"
	"strings"
)

var jobsDebugEnabled = strings.EqualFold(os.Getenv("OCRGATE_JOBS_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if jobsDebugEnabled {
		log.Printf(format, args...)
	}
}
