package smcp

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ReqIDLen is the length of a request id: a UUIDv4 rendered as lowercase hex
// without separators.
const ReqIDLen = 32

// NewReqID returns a fresh request correlation id.
func NewReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateReqID checks that id is a 32-char lowercase hex string.
func ValidateReqID(id string) error {
	if len(id) != ReqIDLen {
		return fmt.Errorf("req_id must be %d chars, got %d", ReqIDLen, len(id))
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("req_id contains non-hex character %q", c)
		}
	}
	return nil
}
