package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the first JSON object or array out of mixed model output.
// Triple-backtick fences (with or without a language tag) are stripped, then
// the first balanced {...} or [...] is scanned with string-context and escape
// tracking so braces inside quoted strings do not affect the depth counter.
// If that fails, each fenced block is attempted whole.
//
// The returned *Error carries no Provider; callers fill it in.
func ExtractJSON(text string) (any, *Error) {
	if strings.TrimSpace(text) == "" {
		return nil, &Error{Kind: KindEmpty, Message: "Empty response"}
	}

	stripped := stripFences(text)
	if v, ok := scanBalanced(stripped); ok {
		return v, nil
	}
	for _, block := range fencedBlocks(text) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(block)), &v); err == nil {
			return v, nil
		}
		if v, ok := scanBalanced(block); ok {
			return v, nil
		}
	}
	return nil, &Error{Kind: KindInvalidJSON, Message: "Invalid JSON response"}
}

// scanBalanced finds the first balanced object or array and unmarshals it.
func scanBalanced(text string) (any, bool) {
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		open, closer := pair[0], pair[1]
		start := strings.IndexByte(text, open)
		if start < 0 {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case open:
				depth++
			case closer:
				depth--
				if depth == 0 {
					var v any
					if err := json.Unmarshal([]byte(text[start:i+1]), &v); err == nil {
						return v, true
					}
					// Malformed candidate; no later slice with this opener
					// can balance earlier, so give up on this pair.
					i = len(text)
				}
			}
		}
	}
	return nil, false
}

// stripFences removes ``` fence markers, dropping any language tag that
// immediately follows an opening fence.
func stripFences(text string) string {
	var b strings.Builder
	rest := text
	for {
		idx := strings.Index(rest, "```")
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		rest = rest[idx+3:]
		// Swallow a language tag like "json" directly after the fence.
		if nl := strings.IndexAny(rest, "\n{[\""); nl > 0 {
			tag := strings.TrimSpace(rest[:nl])
			if tag != "" && len(tag) <= 12 && !strings.ContainsAny(tag, " \t") {
				rest = rest[nl:]
			}
		}
	}
	return b.String()
}

// fencedBlocks returns the contents of every ```...``` block in order.
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && nl < 15 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			blocks = append(blocks, rest)
			break
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+3:]
	}
	return blocks
}

// ClassifyErr maps a transport error onto the taxonomy: credential-shaped
// messages become KindInvalidCredentials, anything else KindProcessing.
func ClassifyErr(provider string, err error) *Error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(msg, "API key") || strings.Contains(msg, "401") || strings.Contains(lower, "invalid") {
		return &Error{Kind: KindInvalidCredentials, Message: msg, Provider: provider}
	}
	return &Error{Kind: KindProcessing, Message: msg, Provider: provider}
}
