package fileutils

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const codeFence = "```"

// DecodeModelJSON decodes the JSON value in a model reply into v. A surrounding markdown
// code fence and any prose before or after the value are ignored.
func DecodeModelJSON(outputText string, v any) error {
	s := StripCodeFence(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	sub, ok := ExtractJSON(s)
	if !ok {
		return fmt.Errorf("DecodeModelJSON: no JSON value in model output (len=%d)", len(s))
	}
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("DecodeModelJSON: extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}

// ExtractJSON returns the outermost object or array in s, whichever opens first.
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// StripCodeFence trims s and removes one enclosing ``` fence, including its language tag.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, codeFence) || !strings.HasSuffix(s, codeFence) || len(s) < 2*len(codeFence) {
		return s
	}
	s = s[len(codeFence) : len(s)-len(codeFence)]
	if nl := strings.IndexByte(s, '\n'); nl != -1 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}
