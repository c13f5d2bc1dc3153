package model

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const sessionIDPrefix = "sess_"

var sessionIDRegex = regexp.MustCompile(`^sess_[0-9A-HJKMNP-TV-Z]{26}$`)

// GenerateSessionID returns a lexically sortable session id such as
// sess_01J9Z3K6V7Q2X8M4N5P6R7S8T9.
func GenerateSessionID() (string, error) {
	return generateSessionIDAt(time.Now())
}

func generateSessionIDAt(t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return sessionIDPrefix + id.String(), nil
}

func ValidateSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

func ParseSessionTimestamp(id string) (time.Time, error) {
	if !ValidateSessionID(id) {
		return time.Time{}, fmt.Errorf("invalid session ID format: %s", id)
	}
	u, err := ulid.ParseStrict(strings.TrimPrefix(id, sessionIDPrefix))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse session ID %s: %w", id, err)
	}
	return ulid.Time(u.Time()), nil
}
