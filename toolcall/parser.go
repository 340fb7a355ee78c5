// Package toolcall extracts structured tool invocations from free-form
// model output. The input is untrusted model text, not an API payload:
// calls may arrive wrapped in XML-ish tags, markdown code fences,
// pseudo function-call syntax, or bare JSON, often with malformed
// fragments around them. Strategies are tried from most to least
// explicit and the first one that yields a call wins; formats are
// never mixed within one parse.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/bububa/ljson"
	"github.com/cockroachdb/errors"
	"github.com/skalene/mcpkit/pkg/llmutils"
)

// Format identifies which extraction strategy matched.
type Format int

const (
	// FormatNone means no tool call was found.
	FormatNone Format = iota
	// FormatTagged is <tool_call>{...}</tool_call> and alias tags.
	FormatTagged
	// FormatCodeBlock is a ```json fenced block.
	FormatCodeBlock
	// FormatFunctionCall is name({...}) syntax.
	FormatFunctionCall
	// FormatBareJSON is a naked {"name": ...} object in the text.
	FormatBareJSON
)

func (f Format) String() string {
	switch f {
	case FormatTagged:
		return "tagged"
	case FormatCodeBlock:
		return "code_block"
	case FormatFunctionCall:
		return "function_call"
	case FormatBareJSON:
		return "bare_json"
	default:
		return "none"
	}
}

// ToolCall is a single structured invocation directive.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// UnmarshalJSON accepts "arguments", "args" or "params" as the
// argument-map key, since models are inconsistent about it.
func (c *ToolCall) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Args      map[string]any `json:"args"`
		Params    map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Name = raw.Name
	switch {
	case raw.Arguments != nil:
		c.Arguments = raw.Arguments
	case raw.Args != nil:
		c.Arguments = raw.Args
	case raw.Params != nil:
		c.Arguments = raw.Params
	default:
		c.Arguments = map[string]any{}
	}
	return nil
}

// ParsedResponse is the result of parsing one model reply.
type ParsedResponse struct {
	// PrefixText is the text before the first matched call.
	PrefixText string
	// ToolCalls are the extracted calls, in order of appearance.
	ToolCalls []ToolCall
	// SuffixText is the text after the last matched call.
	SuffixText string
	// Format records which single strategy produced the calls.
	Format Format
}

// HasToolCalls reports whether any call was extracted.
func (p *ParsedResponse) HasToolCalls() bool {
	return len(p.ToolCalls) > 0
}

// TextOnly returns the conversational text with call blocks removed.
func (p *ParsedResponse) TextOnly() string {
	res := strings.TrimSpace(p.PrefixText)
	if s := strings.TrimSpace(p.SuffixText); s != "" {
		if res != "" {
			res += " "
		}
		res += s
	}
	return res
}

// Parse extracts tool calls from a model reply. An input with no
// recognizable call is not an error: the whole text becomes PrefixText
// and the call list is empty.
func Parse(response string) ParsedResponse {
	for _, try := range []func(string) (ParsedResponse, bool){
		parseTagged,
		parseCodeBlocks,
		parseFunctionSyntax,
		parseBareJSON,
	} {
		if parsed, ok := try(response); ok {
			return parsed
		}
	}
	return ParsedResponse{PrefixText: response, Format: FormatNone}
}

var (
	openTags  = []string{"<tool_call>", "<function_call>", "<tool>"}
	closeTags = []string{"</tool_call>", "</function_call>", "</tool>"}
)

func parseTagged(response string) (ParsedResponse, bool) {
	var (
		prefix, suffix strings.Builder
		calls          []ToolCall
		foundFirst     bool
	)

	remaining := response
	for remaining != "" {
		// earliest opening tag of any alias
		tagIdx := -1
		start := -1
		for i, tag := range openTags {
			if pos := strings.Index(remaining, tag); pos != -1 && (start == -1 || pos < start) {
				start = pos
				tagIdx = i
			}
		}
		if tagIdx == -1 {
			break
		}

		before := remaining[:start]
		if !foundFirst {
			prefix.WriteString(before)
			foundFirst = true
		} else {
			suffix.WriteString(before)
		}

		afterOpen := remaining[start+len(openTags[tagIdx]):]
		end := strings.Index(afterOpen, closeTags[tagIdx])
		if end == -1 {
			// unterminated tag, keep the rest as text
			suffix.WriteString(remaining[start:])
			remaining = ""
			break
		}

		if call, err := parseToolCallJSON(strings.TrimSpace(afterOpen[:end])); err == nil {
			calls = append(calls, call)
		}
		remaining = afterOpen[end+len(closeTags[tagIdx]):]
	}

	// a tag with no parsable content does not claim the response;
	// later strategies still get their chance
	if !foundFirst || len(calls) == 0 {
		return ParsedResponse{}, false
	}
	suffix.WriteString(remaining)

	return ParsedResponse{
		PrefixText: prefix.String(),
		ToolCalls:  calls,
		SuffixText: suffix.String(),
		Format:     FormatTagged,
	}, true
}

var codeBlockRE = regexp.MustCompile("```(?:json)?[ \t]*\n?([\\s\\S]*?)```")

// envelopeKeys are accepted as a wrapper around a tool call object in
// fenced blocks, e.g. {"tool_call": {"name": ...}}.
var envelopeKeys = []string{"tool_call", "function_call", "tool"}

func parseCodeBlocks(response string) (ParsedResponse, bool) {
	var (
		calls   []ToolCall
		prefix  string
		lastEnd int
		found   bool
	)

	for _, m := range codeBlockRE.FindAllStringSubmatchIndex(response, -1) {
		content := strings.TrimSpace(response[m[2]:m[3]])

		call, err := parseToolCallJSON(content)
		if err != nil {
			var envelope map[string]json.RawMessage
			if json.Unmarshal([]byte(content), &envelope) != nil {
				continue
			}
			var inner json.RawMessage
			for _, key := range envelopeKeys {
				if v, ok := envelope[key]; ok {
					inner = v
					break
				}
			}
			if inner == nil || json.Unmarshal(inner, &call) != nil || call.Name == "" {
				continue
			}
		}

		if !found {
			prefix = response[:m[0]]
			found = true
		}
		calls = append(calls, call)
		lastEnd = m[1]
	}

	if !found {
		return ParsedResponse{}, false
	}
	return ParsedResponse{
		PrefixText: prefix,
		ToolCalls:  calls,
		SuffixText: response[lastEnd:],
		Format:     FormatCodeBlock,
	}, true
}

var funcCallRE = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*\(\s*(\{[\s\S]*?\})\s*\)`)

// reservedWords suppresses false positives from code snippets that
// happen to look like name({...}).
var reservedWords = map[string]bool{
	"if": true, "while": true, "for": true, "function": true,
	"return": true, "var": true, "let": true, "const": true,
}

func parseFunctionSyntax(response string) (ParsedResponse, bool) {
	var (
		calls   []ToolCall
		prefix  string
		lastEnd int
		found   bool
	)

	for _, m := range funcCallRE.FindAllStringSubmatchIndex(response, -1) {
		name := response[m[2]:m[3]]
		if reservedWords[name] {
			continue
		}
		var args map[string]any
		if json.Unmarshal([]byte(response[m[4]:m[5]]), &args) != nil {
			continue
		}
		if !found {
			prefix = response[:m[0]]
			found = true
		}
		calls = append(calls, ToolCall{Name: name, Arguments: args})
		lastEnd = m[1]
	}

	if !found {
		return ParsedResponse{}, false
	}
	return ParsedResponse{
		PrefixText: prefix,
		ToolCalls:  calls,
		SuffixText: response[lastEnd:],
		Format:     FormatFunctionCall,
	}, true
}

func parseBareJSON(response string) (ParsedResponse, bool) {
	var (
		calls   []ToolCall
		prefix  string
		lastEnd int
		found   bool
	)

	for i := 0; i < len(response); {
		if response[i] != '{' {
			i++
			continue
		}
		end, ok := findBalanced(response, i)
		if !ok {
			i++
			continue
		}

		jsonStr := response[i:end]
		if strings.Contains(jsonStr, `"name"`) {
			var call ToolCall
			if json.Unmarshal([]byte(jsonStr), &call) == nil && validToolName(call.Name) {
				if !found {
					prefix = response[:i]
					found = true
				}
				calls = append(calls, call)
				lastEnd = end
			}
		}
		i = end
	}

	if !found {
		return ParsedResponse{}, false
	}
	return ParsedResponse{
		PrefixText: prefix,
		ToolCalls:  calls,
		SuffixText: response[lastEnd:],
		Format:     FormatBareJSON,
	}, true
}

// findBalanced scans from the '{' at start and returns the index just
// past its matching '}'. Braces inside quoted strings are ignored and
// backslash escapes are honored.
func findBalanced(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escape := false

	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escape:
			escape = false
		case c == '\\' && inString:
			escape = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func validToolName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// parseToolCallJSON parses one tool-call object with tolerant
// fallbacks: direct parse, code-fence stripping, balanced-object
// extraction, generic-map field recovery and finally a lenient
// (comma/quote forgiving) parse.
func parseToolCallJSON(raw string) (ToolCall, error) {
	cleaned := strings.TrimSpace(raw)

	var call ToolCall
	if err := json.Unmarshal([]byte(cleaned), &call); err == nil && call.Name != "" {
		return call, nil
	}

	stripped := llmutils.TrimBackticks(cleaned)
	if err := json.Unmarshal([]byte(stripped), &call); err == nil && call.Name != "" {
		return call, nil
	}

	if start := strings.IndexByte(stripped, '{'); start != -1 {
		if end, ok := findBalanced(stripped, start); ok {
			obj := stripped[start:end]
			if err := json.Unmarshal([]byte(obj), &call); err == nil && call.Name != "" {
				return call, nil
			}
			if call, ok := recoverFromMap([]byte(obj)); ok {
				return call, nil
			}
			// last resort: lenient parse for truncated or
			// single-quoted model output
			if err := ljson.Unmarshal([]byte(obj), &call); err == nil && call.Name != "" {
				return call, nil
			}
		}
	}

	return ToolCall{}, errors.Errorf("unparsable tool call: %q", raw)
}

func recoverFromMap(data []byte) (ToolCall, bool) {
	var value map[string]any
	if json.Unmarshal(data, &value) != nil {
		return ToolCall{}, false
	}
	name, _ := value["name"].(string)
	if name == "" {
		return ToolCall{}, false
	}
	args := map[string]any{}
	for _, key := range []string{"arguments", "args", "params"} {
		if m, ok := value[key].(map[string]any); ok {
			args = m
			break
		}
	}
	return ToolCall{Name: name, Arguments: args}, true
}
