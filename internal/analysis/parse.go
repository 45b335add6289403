package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var fenced = regexp.MustCompile("(?s)^\\s*```[A-Za-z0-9_-]*\\s*\\n?(.*?)\\s*```\\s*$")

// rawSampleLimit bounds the raw text kept when a response cannot be parsed.
const rawSampleLimit = 500

// StripFences removes a surrounding Markdown code fence, if any.
func StripFences(s string) string {
	if m := fenced.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// decodeObject parses a model response into a JSON object. When the response
// wraps the object in prose, the outermost braces are tried as a fallback.
func decodeObject(resp string, out any) error {
	body := StripFences(resp)
	err := json.Unmarshal([]byte(body), out)
	if err == nil {
		return nil
	}
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start >= 0 && end > start {
		if json.Unmarshal([]byte(body[start:end+1]), out) == nil {
			return nil
		}
	}
	return err
}

func parseErrorResult(resp string) map[string]any {
	return map[string]any{
		"parseError": true,
		"raw":        truncate(resp, rawSampleLimit),
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
