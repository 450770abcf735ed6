package worker

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// sensitiveEnvPatterns matches environment keys that must never reach a
// worker process. Matching is case-insensitive.
var sensitiveEnvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(DATABASE|DB)_`),
	regexp.MustCompile(`(?i)^(API|AUTH|SECRET|PRIVATE)_?KEY`),
	regexp.MustCompile(`(?i)_TOKEN$`),
	regexp.MustCompile(`(?i)_SECRET$`),
	regexp.MustCompile(`(?i)_PASSWORD$`),
	regexp.MustCompile(`(?i)^AWS_`),
	regexp.MustCompile(`(?i)^GITHUB_`),
	regexp.MustCompile(`(?i)^OPENAI_`),
	regexp.MustCompile(`(?i)^ANTHROPIC_`),
	regexp.MustCompile(`(?i)^STRIPE_`),
}

// IsSensitiveEnvKey reports whether an environment key matches the
// sensitive-name pattern set.
func IsSensitiveEnvKey(key string) bool {
	for _, re := range sensitiveEnvPatterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// FilterEnv returns a copy of env with sensitive keys removed. Blocked keys
// are logged (names only, never values) so misconfigured deployments are
// visible.
func FilterEnv(env map[string]string, log *zap.SugaredLogger) map[string]string {
	filtered := make(map[string]string, len(env))
	var blocked []string

	for key, value := range env {
		if IsSensitiveEnvKey(key) {
			blocked = append(blocked, key)
			continue
		}
		filtered[key] = value
	}

	logBlockedEnv(log, blocked)
	return filtered
}

// FilterEnvList is FilterEnv for KEY=VALUE entries in exec.Cmd form. Order
// is preserved; entries without '=' are dropped.
func FilterEnvList(env []string, log *zap.SugaredLogger) []string {
	filtered := make([]string, 0, len(env))
	var blocked []string

	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if IsSensitiveEnvKey(key) {
			blocked = append(blocked, key)
			continue
		}
		filtered = append(filtered, entry)
	}

	logBlockedEnv(log, blocked)
	return filtered
}

func logBlockedEnv(log *zap.SugaredLogger, blocked []string) {
	if len(blocked) == 0 || log == nil {
		return
	}
	sort.Strings(blocked)
	log.Warnw("Blocked sensitive environment keys from worker",
		"count", len(blocked),
		"keys", blocked)
}
