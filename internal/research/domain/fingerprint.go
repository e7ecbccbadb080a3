package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the 32-hex-char task identity from a params' semantic
// content and caller-supplied identity scopes (§3). Two param sets that are
// equal after normalization always yield the same fingerprint.
func Fingerprint(p Params) string {
	canon := canonicalize(p)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:16]) // 128-bit truncation, 32 hex chars
}

// canonicalize renders p as a sorted key=value form so that field order
// never affects the hash.
func canonicalize(p Params) string {
	fields := map[string]string{
		"query":               strings.ToLower(strings.TrimSpace(p.Query)),
		"language":            p.Language,
		"maxResult":           strconv.Itoa(p.MaxResult),
		"enableCitationImage": strconv.FormatBool(p.EnableCitationImage),
		"enableReferences":    strconv.FormatBool(p.EnableReferences),
		"searchProvider":      p.SearchProvider,
		"thinkingModels":      strings.Join(p.ThinkingModels, ","),
		"taskModels":          strings.Join(p.TaskModels, ","),
		"userId":              p.UserID,
		"topicId":             p.TopicID,
		"mode":                p.Mode,
		"dataBaseUrl":         p.DataBaseURL,
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// DedupPreserveOrder removes duplicate, blank entries from a list while
// keeping the first occurrence's position — used for model lists (§6) and
// API key pools (§4.E), both of which require "dedup preserves order".
func DedupPreserveOrder(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
