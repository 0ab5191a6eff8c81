package engine

import (
	"context"
	"regexp"
	"strings"
)

var destructivePattern = regexp.MustCompile(`(?i)\b(delete|remove|destroy|purge|drop|wipe|erase|truncate|rm\s+-[a-z]*[rf][a-z]*|mkfs|shred)\b`)

// KeywordPolicy denies tasks and commands that name a destructive verb. It is
// the fallback when no policy engine is configured.
type KeywordPolicy struct{}

// CheckTask implements PolicyChecker.
func (KeywordPolicy) CheckTask(_ context.Context, task *Task) ([]PolicyViolation, error) {
	return keywordViolations(task.Description + " " + task.Prompt), nil
}

// CheckCommand implements PolicyChecker.
func (KeywordPolicy) CheckCommand(_ context.Context, _ TaskType, command string) ([]PolicyViolation, error) {
	return keywordViolations(command), nil
}

func keywordViolations(text string) []PolicyViolation {
	m := destructivePattern.FindString(text)
	if m == "" {
		return nil
	}
	return []PolicyViolation{{
		Policy:   "no_destructive_operations",
		Message:  "destructive operation not allowed: " + strings.ToLower(m),
		Severity: "error",
	}}
}
