// Package jsonutil extracts JSON fragments from free-form model output.
package jsonutil

import "strings"

const codeFence = "```"

// ExtractArray returns the first balanced JSON array found in raw,
// looking inside markdown code fences first.
func ExtractArray(raw string) (string, bool) {
	return extract(raw, '[', ']')
}

// ExtractObject returns the first balanced JSON object found in raw.
func ExtractObject(raw string) (string, bool) {
	return extract(raw, '{', '}')
}

func extract(raw string, open, close byte) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if block, ok := fencedBlock(raw); ok {
		if frag, ok := balanced(block, open, close); ok {
			return frag, true
		}
	}
	return balanced(raw, open, close)
}

// fencedBlock returns the contents of the first ``` fence, with a
// language tag on the opening line stripped.
func fencedBlock(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	if end == -1 {
		return "", false
	}
	block := strings.TrimLeft(rest[:end], "\r\n")
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	if block == "" {
		return "", false
	}
	return block, true
}

// balanced scans for the first string-aware balanced open..close span.
func balanced(raw string, open, close byte) (string, bool) {
	start := strings.IndexByte(raw, open)
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch ch {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), true
			}
		}
	}
	return "", false
}
