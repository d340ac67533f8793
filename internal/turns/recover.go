package turns

import (
	"regexp"
	"strings"
)

// The worker reports recoverable conditions as error strings. This table
// is the single classifier; nothing else in the package matches message
// text.
var collabModeUnsupportedRe = regexp.MustCompile(`(?i)(unsupported|unhandled|method not found).*collaborationmode/list`)

// needsResume reports errors a thread/resume followed by one retry can
// fix.
func needsResume(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "thread not loaded") || strings.Contains(msg, "thread not found")
}

// notMaterialized reports detail reads that should retry without turns.
func notMaterialized(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not materialized yet")
}

// noRollout reports threads the worker has no session file for; the
// projection is all we have.
func noRollout(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no rollout found")
}

// collabModeUnsupported reports workers that predate collaborationMode/list.
func collabModeUnsupported(err error) bool {
	return err != nil && collabModeUnsupportedRe.MatchString(err.Error())
}
