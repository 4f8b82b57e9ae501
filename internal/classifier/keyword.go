package classifier

import (
	"context"
	"regexp"
	"strings"
)

// DefaultKeywords mark a message as anomalous when any appears as a whole word.
var DefaultKeywords = []string{
	"fail", "failed", "failure", "error", "errors", "exception", "panic", "fatal",
	"timeout", "timed out", "refused", "denied", "unauthorized", "crash",
	"crashed", "corrupt", "corrupted", "out of memory", "deadlock", "unreachable",
}

// Keyword is a rule-based classifier for deployments without a model.
type Keyword struct {
	re *regexp.Regexp
}

// NewKeyword builds a case-insensitive whole-word matcher. An empty list
// selects DefaultKeywords.
func NewKeyword(keywords []string) *Keyword {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			quoted = append(quoted, regexp.QuoteMeta(k))
		}
	}
	return &Keyword{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)}
}

// Classify implements Classifier.
func (k *Keyword) Classify(ctx context.Context, text string) (Label, error) {
	if err := ctx.Err(); err != nil {
		return Normal, err
	}
	if k.re.MatchString(text) {
		return Anomalous, nil
	}
	return Normal, nil
}
