package httpserver

import (
	"bytes"
	"encoding/json"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

type usageBlock struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type timingsBlock struct {
	CacheN  int64 `json:"cache_n"`
	PromptN int64 `json:"prompt_n"`
}

type usageEnvelope struct {
	Usage   *usageBlock   `json:"usage"`
	Timings *timingsBlock `json:"timings"`
}

// ExtractTokenUsage pulls token counts out of a captured backend response.
// Three strategies, in order:
//
//  1. SSE streams: scan "data: " frames from the end and return the first
//     whose counts are not all zero, skipping the [DONE] terminator.
//  2. Plain JSON bodies: decode the whole body.
//  3. Malformed or truncated bodies: locate the "usage" / "timings" keys and
//     decode their balanced-brace subobjects directly.
//
// A body carrying no counts yields the zero TokenUsage.
func ExtractTokenUsage(body []byte) domain.TokenUsage {
	if u, ok := extractFromSSE(body); ok {
		return u
	}
	if u, ok := decodeEnvelope(body); ok {
		return u
	}
	return extractBySubobjectScan(body)
}

func extractFromSSE(body []byte) (domain.TokenUsage, bool) {
	if !bytes.Contains(body, []byte("data:")) {
		return domain.TokenUsage{}, false
	}
	lines := bytes.Split(body, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		// Backends emit zero-valued usage stubs in interim frames; keep
		// scanning for the frame that carries the real counts.
		if u, ok := decodeEnvelope(payload); ok && !u.IsZero() {
			return u, true
		}
	}
	return domain.TokenUsage{}, false
}

func decodeEnvelope(data []byte) (domain.TokenUsage, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.TokenUsage{}, false
	}
	if env.Usage == nil && env.Timings == nil {
		return domain.TokenUsage{}, false
	}
	var u domain.TokenUsage
	if env.Usage != nil {
		u.InputTokens = env.Usage.PromptTokens
		u.OutputTokens = env.Usage.CompletionTokens
	}
	if env.Timings != nil {
		u.CacheN = env.Timings.CacheN
		u.PromptN = env.Timings.PromptN
	}
	return u, true
}

func extractBySubobjectScan(body []byte) domain.TokenUsage {
	var u domain.TokenUsage
	if obj, ok := subobjectAfterKey(body, `"usage"`); ok {
		var ub usageBlock
		if json.Unmarshal(obj, &ub) == nil {
			u.InputTokens = ub.PromptTokens
			u.OutputTokens = ub.CompletionTokens
		}
	}
	if obj, ok := subobjectAfterKey(body, `"timings"`); ok {
		var tb timingsBlock
		if json.Unmarshal(obj, &tb) == nil {
			u.CacheN = tb.CacheN
			u.PromptN = tb.PromptN
		}
	}
	return u
}

// subobjectAfterKey finds the last occurrence of key and returns the balanced
// {...} object following it. String-aware so braces inside values don't break
// the balance count.
func subobjectAfterKey(body []byte, key string) ([]byte, bool) {
	at := bytes.LastIndex(body, []byte(key))
	if at < 0 {
		return nil, false
	}
	open := bytes.IndexByte(body[at:], '{')
	if open < 0 {
		return nil, false
	}
	start := at + open
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(body); i++ {
		ch := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return body[start : i+1], true
			}
		}
	}
	return nil, false
}
