package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode parses model output into T, tolerating the usual decoration:
// markdown code fences, prose before or after the JSON object, and a
// trailing explanation. Strategies run in order: direct parse, fence
// stripping, outermost-object extraction.
func Decode[T any](text string) (T, error) {
	var out T

	candidates := []string{
		strings.TrimSpace(text),
		stripFences(text),
		extractObject(text),
	}
	var firstErr error
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no JSON object found")
	}
	return out, firstErr
}

// stripFences removes a ```json ... ``` (or bare ```) wrapper.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	s = s[start+3:]
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line ("json")
		first := strings.TrimSpace(s[:nl])
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			s = s[nl+1:]
		}
	}
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// extractObject returns the outermost {...} or [...] span.
func extractObject(text string) string {
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(text, pair[0])
		end := strings.LastIndexByte(text, pair[1])
		if start >= 0 && end > start {
			return text[start : end+1]
		}
	}
	return ""
}
