// Package language validates and names the target languages of a job.
package language

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Supported lists the base languages the dubbing providers accept.
var Supported = []language.Tag{
	language.English,
	language.Spanish,
	language.French,
	language.German,
	language.Italian,
	language.Portuguese,
	language.Japanese,
	language.Korean,
	language.Chinese,
	language.Arabic,
	language.Hindi,
	language.Russian,
}

var supportedBases = func() map[language.Base]bool {
	m := make(map[language.Base]bool, len(Supported))
	for _, t := range Supported {
		b, _ := t.Base()
		m[b] = true
	}
	return m
}()

// InvalidCodeError reports a language code that cannot be used as a dubbing target.
type InvalidCodeError struct {
	Code   string
	Reason string
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("language %q: %s", e.Code, e.Reason)
}

// Normalize parses each code, reduces it to its ISO 639-1 base ("es-MX" -> "es"),
// and drops duplicates while keeping first-seen order.
func Normalize(codes []string) ([]string, error) {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, raw := range codes {
		code, err := normalizeOne(raw)
		if err != nil {
			return nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out, nil
}

func normalizeOne(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &InvalidCodeError{Code: raw, Reason: "empty code"}
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return "", &InvalidCodeError{Code: raw, Reason: "not a BCP 47 tag"}
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", &InvalidCodeError{Code: raw, Reason: "unknown language"}
	}
	if !supportedBases[base] {
		return "", &InvalidCodeError{Code: raw, Reason: "not supported for dubbing"}
	}
	return base.String(), nil
}

// Name returns the English display name of code, or code itself when unknown.
func Name(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}
