package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractResult is the variant value returned by ExtractJSON: exactly one of
// Data/Err is set.
type ExtractResult struct {
	OK      bool
	Data    any
	Repairs []string
	Err     error
}

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	bracketPattern    = regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`)
	htmlTagPattern    = regexp.MustCompile(`(?s)<[^>]+>`)
	trailingComma     = regexp.MustCompile(`,\s*([}\]])`)
	barewordKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	ellipsisValue     = regexp.MustCompile(`:\s*\.\.\.\s*([,}\]])`)
)

// ExtractJSON recovers a structured payload from free-form model output per
// §4.D's five-step cascade. Every repair applied along the way is recorded
// so callers can log what happened without re-deriving it.
func ExtractJSON(raw string) ExtractResult {
	var repairs []string

	trimmed := strings.TrimSpace(raw)

	// Step 1: direct parse.
	if data, err := parseJSON(trimmed); err == nil {
		return ExtractResult{OK: true, Data: data, Repairs: repairs}
	}

	// Step 2: pattern extraction (fenced block, or outermost object/array).
	candidate := trimmed
	if m := fencedJSONPattern.FindStringSubmatch(trimmed); m != nil {
		candidate = strings.TrimSpace(m[1])
		repairs = append(repairs, "extracted fenced json block")
		if data, err := parseJSON(candidate); err == nil {
			return ExtractResult{OK: true, Data: data, Repairs: repairs}
		}
	}
	if m := bracketPattern.FindString(trimmed); m != "" {
		repairs = append(repairs, "extracted outermost bracket pattern")
		if data, err := parseJSON(m); err == nil {
			return ExtractResult{OK: true, Data: data, Repairs: repairs}
		}
		candidate = m
	}

	// Step 3: bracket-slice from first opening bracket to the matching
	// trailing closer, only if that's meaningfully shorter than the input.
	if sliced, ok := bracketSlice(trimmed); ok {
		if len(sliced) <= int(float64(len(trimmed))*0.9) {
			repairs = append(repairs, "bracket-sliced to matching trailing delimiter")
			if data, err := parseJSON(sliced); err == nil {
				return ExtractResult{OK: true, Data: data, Repairs: repairs}
			}
			candidate = sliced
		}
	}

	// Step 4: aggressive repair.
	repaired, appliedRepairs := aggressiveRepair(candidate)
	repairs = append(repairs, appliedRepairs...)

	if fixed, err := jsonrepair.JSONRepair(repaired); err == nil {
		repairs = append(repairs, "applied jsonrepair library pass")
		repaired = fixed
	}

	// Step 5: final parse attempt.
	data, err := parseJSON(repaired)
	if err != nil {
		return ExtractResult{OK: false, Repairs: repairs, Err: err}
	}
	return ExtractResult{OK: true, Data: data, Repairs: repairs}
}

func parseJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// bracketSlice finds the first '{' or '[' and the matching last '}' or ']'
// at the end of the string.
func bracketSlice(s string) (string, bool) {
	start := -1
	var open, closer byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start == -1 {
		return "", false
	}
	end := strings.LastIndexByte(s, closer)
	if end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// aggressiveRepair applies the hand-rolled fixes from §4.D step 4 that are
// not covered by jsonrepair's grammar: HTML/fence stripping, ellipsis
// collapsing, and quoting bare CJK scalar values.
func aggressiveRepair(s string) (string, []string) {
	var applied []string

	if htmlTagPattern.MatchString(s) {
		s = htmlTagPattern.ReplaceAllString(s, "")
		applied = append(applied, "stripped html tags")
	}

	if strings.Contains(s, "```") {
		s = strings.ReplaceAll(s, "```json", "")
		s = strings.ReplaceAll(s, "```", "")
		applied = append(applied, "stripped code-fence markers")
	}

	if trailingComma.MatchString(s) {
		s = trailingComma.ReplaceAllString(s, "$1")
		applied = append(applied, "dropped trailing commas")
	}

	if barewordKey.MatchString(s) {
		s = barewordKey.ReplaceAllString(s, `$1"$2":`)
		applied = append(applied, "quoted bareword keys")
	}

	if ellipsisValue.MatchString(s) {
		s = ellipsisValue.ReplaceAllString(s, `:""$1`)
		applied = append(applied, "collapsed ellipsis placeholders")
	}

	if quoted, ok := quoteBareCJKValues(s); ok {
		s = quoted
		applied = append(applied, "quoted bare CJK scalar values")
	}

	return s, applied
}

// quoteBareCJKValues wraps unquoted CJK scalar values (e.g. `key: 完成`) in
// double quotes so the JSON grammar accepts them.
func quoteBareCJKValues(s string) (string, bool) {
	changed := false
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == ':' {
			b.WriteRune(r)
			j := i + 1
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				b.WriteRune(runes[j])
				j++
			}
			if j < len(runes) && isCJK(runes[j]) {
				k := j
				for k < len(runes) && runes[k] != ',' && runes[k] != '}' && runes[k] != ']' && runes[k] != '\n' {
					k++
				}
				value := strings.TrimSpace(string(runes[j:k]))
				if value != "" && !strings.HasPrefix(value, `"`) {
					b.WriteByte('"')
					b.WriteString(value)
					b.WriteByte('"')
					changed = true
					i = k - 1
					continue
				}
			}
			i = j - 1
			continue
		}
		b.WriteRune(r)
	}
	if !changed {
		return s, false
	}
	return b.String(), true
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
