package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/calldataai/calldata/internal/llm"
	"github.com/calldataai/calldata/internal/observability"
	"github.com/calldataai/calldata/internal/prompt"
	"github.com/calldataai/calldata/internal/query"
)

const (
	fallbackExplanation = "The question could not be answered from the dataset as it was phrased."
	// listMarker allows "-", "*", "1." or "1)" in front of a statement.
	listMarker = `^\s*(?:[-*]|\d+[.)])?\s*`
)

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern  = regexp.MustCompile("`([^`\n]*)`")
	sqlLinePattern     = regexp.MustCompile(listMarker + `(?:SELECT|WITH|FROM|WHERE|INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|GROUP BY|ORDER BY|HAVING|JOIN|LIMIT|UNION|PRAGMA)\b`)
	// Lower-case statements only count when followed by SQL structure, so
	// prose such as "Select the Ward column" survives.
	sqlLowerLinePattern = regexp.MustCompile(`(?i)` + listMarker +
		`(?:select\s+(?:\*|distinct\b|count\s*\(|[A-Za-z_][A-Za-z0-9_]*\s*(?:,|\bfrom\b))|with\s+\w+\s+as\s*\(|insert\s+into\b|delete\s+from\b|update\s+\w+\s+set\b)`)
	blankRunPattern = regexp.MustCompile(`\n{3,}`)
	spaceRunPattern = regexp.MustCompile(`[ \t]{2,}`)
)

// Explainer turns a relational engine error into a plain-language
// explanation that carries no query syntax.
type Explainer struct {
	Generator llm.Generator
	Composer  *prompt.Composer
	Timeout   time.Duration

	sanitizer *sanitizer
}

func newExplainer(generator llm.Generator, composer *prompt.Composer, timeout time.Duration) *Explainer {
	return &Explainer{
		Generator: generator,
		Composer:  composer,
		Timeout:   timeout,
		sanitizer: newSanitizer(composer.Columns(), composer.Table(), composer.Reminder()),
	}
}

// Explain makes one model call. Failures are returned as
// *query.GenerationError or *query.InterruptedError with stage "explain".
func (e *Explainer) Explain(ctx context.Context, queryText, rawMessage string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := e.Generator.Generate(ctx, e.Composer.Explain(queryText, rawMessage), "")
	if err != nil {
		if query.IsInterruption(err) || ctx.Err() != nil {
			observability.ObserveGeneration(query.StageExplain, observability.OutcomeInterrupted, time.Since(start))
			return "", &query.InterruptedError{Stage: query.StageExplain, Err: interruptionCause(ctx, err)}
		}
		observability.ObserveGeneration(query.StageExplain, observability.OutcomeError, time.Since(start))
		return "", &query.GenerationError{Stage: query.StageExplain, Err: err}
	}
	observability.ObserveGeneration(query.StageExplain, observability.OutcomeSuccess, time.Since(start))
	if e.sanitizer == nil {
		e.sanitizer = newSanitizer(e.Composer.Columns(), e.Composer.Table(), e.Composer.Reminder())
	}
	return e.sanitizer.clean(text, queryText), nil
}

// sanitizer strips query syntax from model output and makes sure at least
// one column name is mentioned. Its patterns are compiled once per schema.
type sanitizer struct {
	columns     []string
	reminder    string
	mentions    *regexp.Regexp
	inlineQuery *regexp.Regexp
}

func newSanitizer(columns []string, table, reminder string) *sanitizer {
	s := &sanitizer{columns: columns, reminder: reminder}
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, column := range columns {
			quoted[i] = regexp.QuoteMeta(column)
		}
		s.mentions = regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	if table != "" {
		s.inlineQuery = regexp.MustCompile(`(?i)\bselect\b[^\n]*?\bfrom\s+` + regexp.QuoteMeta(table) +
			`\b(?:\s+(?:where|group\s+by|order\s+by|having|limit)\b[^.\n]*)?`)
	}
	return s
}

func (s *sanitizer) clean(text, queryText string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = fencedBlockPattern.ReplaceAllString(text, "")
	for _, candidate := range []string{strings.TrimSpace(queryText), strings.TrimRight(strings.TrimSpace(queryText), "; ")} {
		if candidate != "" {
			text = strings.ReplaceAll(text, candidate, "")
		}
	}
	text = inlineCodePattern.ReplaceAllStringFunc(text, func(span string) string {
		inner := strings.TrimSpace(strings.Trim(span, "`"))
		for _, column := range s.columns {
			if strings.EqualFold(inner, column) {
				return column
			}
		}
		return ""
	})

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if sqlLinePattern.MatchString(line) || sqlLowerLinePattern.MatchString(line) || strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		if s.inlineQuery != nil && s.inlineQuery.MatchString(line) {
			line = spaceRunPattern.ReplaceAllString(s.inlineQuery.ReplaceAllString(line, ""), " ")
			if strings.TrimSpace(line) == "" {
				continue
			}
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	text = strings.TrimSpace(blankRunPattern.ReplaceAllString(strings.Join(kept, "\n"), "\n\n"))
	if text == "" {
		text = fallbackExplanation
	}
	if s.mentions == nil || !s.mentions.MatchString(text) {
		text += "\n\n" + s.reminder
	}
	return text
}

// interruptionCause prefers the context error so deadline and cancel stay
// distinguishable.
func interruptionCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
