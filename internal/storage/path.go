package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildUploadPath is where an uploaded session dataset is archived:
// uploads/<session-id>/<file-name>. Both components are validated so client
// input can never traverse outside the prefix.
func BuildUploadPath(sessionID, fileName string) (string, error) {
	if err := validatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(fileName, "file name"); err != nil {
		return "", err
	}
	return path.Join("uploads", sessionID, fileName), nil
}

// BuildAnswerLogPath is where a flushed answer-log batch lands, partitioned
// by day: answers/date=YYYY-MM-DD/answers-<unix-nanos>.parquet.
func BuildAnswerLogPath(flushedAt time.Time) string {
	ts := flushedAt.UTC()
	return path.Join(
		"answers",
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("answers-%d.parquet", ts.UnixNano()),
	)
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
