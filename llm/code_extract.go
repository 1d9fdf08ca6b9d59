package llm

import "strings"

// ExtractCode returns the body of the first fenced code block in text, preferring a
// python-tagged block. Text without fences is returned unchanged.
func ExtractCode(text string) string {
	blocks := fencedBlocks(text)
	if len(blocks) == 0 {
		return text
	}
	for _, b := range blocks {
		if b.lang == "python" || b.lang == "py" || b.lang == "python3" {
			return b.body
		}
	}
	return blocks[0].body
}

type fenced struct {
	lang string
	body string
}

func fencedBlocks(text string) []fenced {
	var (
		out    []fenced
		inside bool
		cur    fenced
		body   strings.Builder
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			if inside {
				body.WriteString(strings.TrimRight(line, "\r"))
				body.WriteByte('\n')
			}
			continue
		}
		if !inside {
			inside = true
			cur = fenced{lang: strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))}
			body.Reset()
			continue
		}
		inside = false
		cur.body = body.String()
		out = append(out, cur)
	}
	return out
}
