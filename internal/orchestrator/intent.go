package orchestrator

import (
	"regexp"
	"strings"
	"unicode"
)

type Intent string

const (
	IntentResearch Intent = "research"
	IntentCreative Intent = "creative"
	IntentStatus   Intent = "status"
	IntentStop     Intent = "stop"
	IntentUnknown  Intent = "unknown"
)

var (
	leadingTrigger = regexp.MustCompile(`(?is)^(research|imagine|creative)\b\s*:?\s*(.*)$`)
	leadingThis    = regexp.MustCompile(`(?i)^this\b\s*:?\s*`)
	researchWord   = regexp.MustCompile(`(?is)\bresearch\b\s*:?\s*(.*)$`)
	creativeWord   = regexp.MustCompile(`(?is)\b(?:imagine|creative)\b\s*:?\s*(.*)$`)
)

// ParseIntent classifies a command. A leading research/imagine/creative word
// wins and the rest of the text is the query. Otherwise trigger words are
// matched as whole words in priority order: stop, status, research, creative.
func ParseIntent(text string) (Intent, string) {
	text = strings.TrimSpace(text)
	if m := leadingTrigger.FindStringSubmatch(text); m != nil {
		intent := IntentResearch
		if !strings.EqualFold(m[1], "research") {
			intent = IntentCreative
		}
		return intent, cleanQuery(m[2])
	}

	words := wordSet(text)
	switch {
	case words["stop"] || words["cancel"]:
		return IntentStop, ""
	case words["status"]:
		return IntentStatus, ""
	case words["research"]:
		return IntentResearch, after(researchWord, text)
	case words["imagine"] || words["creative"]:
		return IntentCreative, after(creativeWord, text)
	}
	return IntentUnknown, ""
}

// after returns the cleaned text following the trigger word matched by re.
func after(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return cleanQuery(m[1])
}

func cleanQuery(q string) string {
	return strings.TrimSpace(leadingThis.ReplaceAllString(strings.TrimSpace(q), ""))
}

func wordSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
