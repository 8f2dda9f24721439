package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a msg_-prefixed id that sorts lexically by
// insertion time: a base-36 millisecond timestamp followed by a
// uuid4 suffix for global uniqueness across concurrent creators.
func NewMessageID(now time.Time) string {
	return "msg_" + strconv.FormatInt(now.UTC().UnixMilli(), 36) + "_" + uuid.NewString()
}

// NewLogID is NewMessageID's counterpart for log entries.
func NewLogID(now time.Time) string {
	return "log_" + strconv.FormatInt(now.UTC().UnixMilli(), 36) + "_" + uuid.NewString()
}

// NewSystemEventID mints an id for a transient durable-queue record.
func NewSystemEventID(now time.Time) string {
	return "evt_" + strconv.FormatInt(now.UTC().UnixMilli(), 36) + "_" + uuid.NewString()
}
