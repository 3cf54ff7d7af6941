package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a random identifier of n bytes encoded as lowercase hex.
// Falls back to a timestamp string if the random source fails.
func NewID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
}

// TaskID encodes the kind prefix and the target execution time.
// Normal tasks use minute granularity, immediate tasks second granularity.
func TaskID(kind TaskKind, executeAt time.Time) string {
	if kind == TaskKindImmediate {
		return immediateIDPrefix + executeAt.Format("20060102_150405")
	}
	return normalIDPrefix + executeAt.Format("20060102_1504")
}

// TaskName returns the display label for a task executing at executeAt.
func TaskName(kind TaskKind, executeAt time.Time) string {
	if kind == TaskKindImmediate {
		return "Test task - " + executeAt.Format("15:04:05")
	}
	return "Scheduled task - " + executeAt.Format("Jan 02 15:04")
}
