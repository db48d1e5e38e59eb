package tabular

import (
	"regexp"
	"strings"
)

var (
	fenceLinePattern = regexp.MustCompile("^```[A-Za-z0-9_+-]*$")
	languageNames    = map[string]struct{}{"python": {}, "python3": {}, "py": {}, "pandas": {}}
)

// StripFences removes markdown code fences and a leading bare language
// name from model output. Line order is kept and applying it twice gives the
// same text as applying it once.
func StripFences(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		wrapped := false
		for len(trimmed) > 6 && strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") {
			trimmed = strings.TrimSpace(trimmed[3 : len(trimmed)-3])
			wrapped = true
		}
		if fenceLinePattern.MatchString(trimmed) {
			continue
		}
		if wrapped {
			line = trimmed
		}
		kept = append(kept, line)
	}
	for len(kept) > 0 {
		first := strings.ToLower(strings.TrimSpace(kept[0]))
		if _, ok := languageNames[first]; !ok && first != "" {
			break
		}
		kept = kept[1:]
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
