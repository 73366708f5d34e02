package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/haasonsaas/toolgate/internal/sessions"
)

// Inline markers interleaved with streamed text. Clients match them exactly.
const (
	SentinelStoppedByUser = "[STOPPED_BY_USER]"
	SentinelStreamStopped = "[STREAM_STOPPED]"
	SentinelToolUpdated   = "[TOOL_CALL_UPDATED]"
)

// ValidationRequired announces a validation the user must resolve.
func ValidationRequired(validationID, messageID string) string {
	return fmt.Sprintf("[VALIDATION_REQUIRED:%s:%s]", validationID, messageID)
}

// ToolCallCreated announces a visible tool-call entry.
func ToolCallCreated(messageID string) string {
	return fmt.Sprintf("[TOOL_CALL_CREATED:%s]", messageID)
}

// SourcesSentinel renders accumulated sources.
func SourcesSentinel(sources []sessions.Source) string {
	data, err := json.Marshal(sources)
	if err != nil {
		data = []byte("[]")
	}
	return "[SOURCES:" + string(data) + "]"
}

var validationRequiredRE = regexp.MustCompile(`\[VALIDATION_REQUIRED:([^:\]]+):([^\]]*)\]`)

// ParseValidationRequired extracts the ids from a validation sentinel.
func ParseValidationRequired(s string) (validationID, messageID string, ok bool) {
	m := validationRequiredRE.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
