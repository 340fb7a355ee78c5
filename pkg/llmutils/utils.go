// Package llmutils provides small text helpers for working with
// model-generated output, which routinely wraps JSON in prose or
// markdown fences.
package llmutils

import (
	"bytes"
	"encoding/json"
	"strings"
)

// CleanJSON trims any prose before and after the outermost JSON value.
// LLMs often reply like "Sure, here you go: {...}".
func CleanJSON(bs []byte) []byte {
	return trimAfterJSON(trimBeforeJSON(bs))
}

func trimBeforeJSON(bs []byte) []byte {
	startObject := bytes.IndexByte(bs, '{')
	startArray := bytes.IndexByte(bs, '[')

	var start int
	switch {
	case startObject == -1 && startArray == -1:
		return bs
	case startObject == -1:
		start = startArray
	case startArray == -1:
		start = startObject
	default:
		start = min(startObject, startArray)
	}
	return bs[start:]
}

func trimAfterJSON(bs []byte) []byte {
	endObject := bytes.LastIndexByte(bs, '}')
	endArray := bytes.LastIndexByte(bs, ']')

	var end int
	switch {
	case endObject == -1 && endArray == -1:
		return bs
	case endObject == -1:
		end = endArray
	case endArray == -1:
		end = endObject
	default:
		end = max(endObject, endArray)
	}
	return bs[:end+1]
}

var backtick = []byte("```")

// TrimBackticks removes a ```json (or plain ```) fence around the text.
func TrimBackticks(text string) string {
	return string(BytesTrimBackticks([]byte(text)))
}

// BytesTrimBackticks removes a leading ```lang marker and the trailing ```.
func BytesTrimBackticks(bs []byte) []byte {
	size := len(bs)
	startIndex := bytes.Index(bs, backtick)
	if startIndex == -1 {
		return bs
	}
	startIndex += len(backtick)

	// skip the language tag up to the first newline or JSON start
	for i := startIndex; i < size && bs[i] != '{' && bs[i] != '['; i++ {
		if bs[i] == '\n' {
			startIndex = i + 1
			break
		}
	}

	content := bs[startIndex:]
	endIndex := bytes.LastIndex(content, backtick)
	if endIndex == -1 {
		return bytes.TrimSpace(content)
	}
	return bytes.TrimSpace(content[:endIndex])
}

// ToJSON marshals without error checking, for logs and prompts.
func ToJSON(val any) string {
	js, _ := json.Marshal(val)
	return string(js)
}

// ToJSONIndent marshals with tab indentation.
func ToJSONIndent(val any) string {
	js, _ := json.MarshalIndent(val, "", "\t")
	return string(js)
}

// JSONIndent re-indents a JSON document.
func JSONIndent(body string) string {
	var buf bytes.Buffer
	_ = json.Indent(&buf, []byte(body), "", "\t")
	return buf.String()
}

// BackticksJSON wraps a JSON document in a markdown fence.
func BackticksJSON(js string) string {
	return "\n```json\n" + strings.TrimSpace(js) + "\n```\n"
}
