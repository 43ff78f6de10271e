// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON decodes the first JSON object found in raw into v. Model
// output is messy: answers arrive wrapped in markdown code fences, with
// prose before or after the object, or with stray whitespace. The
// extractor strips fences, trims, and scans for the outermost balanced
// object before decoding.
func ExtractJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	s = stripFences(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return fmt.Errorf("no JSON object in oracle output")
	}
	end := lastBalanced(s, start)
	if end < 0 {
		return fmt.Errorf("unbalanced JSON object in oracle output")
	}

	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("malformed JSON in oracle output: %w", err)
	}
	return nil
}

// stripFences removes a leading ``` or ```json line and a trailing ```
// line when present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// lastBalanced returns the index of the brace closing the object opened
// at start, ignoring braces inside JSON strings. Returns -1 when the
// object never closes.
func lastBalanced(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
