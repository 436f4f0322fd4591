package agent

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	targetDisplayLen = 40
	textPreviewLen   = 60
)

// ExtractStatus maps a message to a short progress line. The second value
// is false when the message has nothing to show.
func ExtractStatus(msg Message) (string, bool) {
	switch msg.Kind() {
	case KindResult:
		return "Processing results...", true
	case KindAssistant:
		status, ok := "", false
		for _, block := range msg.Message.Content {
			if s, shown := blockStatus(block); shown {
				status, ok = s, true
			}
		}
		return status, ok
	}
	return "", false
}

func blockStatus(block ContentBlock) (string, bool) {
	switch block.Type {
	case "tool_use":
		return toolStatus(block.Name, block.Input), true
	case "thinking":
		return "Analyzing...", true
	case "text":
		text := strings.Join(strings.Fields(block.Text), " ")
		if text == "" {
			return "", false
		}
		return truncateRunes(text, textPreviewLen), true
	}
	return "", false
}

func toolStatus(name string, input json.RawMessage) string {
	var args map[string]any
	if len(input) > 0 {
		_ = json.Unmarshal(input, &args)
	}
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	switch name {
	case "Read":
		if f := str("file_path"); f != "" {
			return "Reading " + display(filepath.Base(f)) + "..."
		}
		return "Reading file..."
	case "Edit", "MultiEdit", "Write", "NotebookEdit":
		f := str("file_path")
		if f == "" {
			f = str("notebook_path")
		}
		if f != "" {
			return "Editing " + display(filepath.Base(f)) + "..."
		}
		return "Editing file..."
	case "Grep":
		if p := str("pattern"); p != "" {
			return "Searching for " + display(p) + "..."
		}
		return "Searching..."
	case "Glob":
		if p := str("pattern"); p != "" {
			return "Finding files " + display(p) + "..."
		}
		return "Finding files..."
	case "Bash":
		if d := str("description"); d != "" {
			return display(d) + "..."
		}
		if c := str("command"); c != "" {
			return "Running " + display(c) + "..."
		}
		return "Running command..."
	case "WebSearch":
		if q := str("query"); q != "" {
			return "Researching " + display(q) + "..."
		}
		return "Researching..."
	case "WebFetch":
		if u := str("url"); u != "" {
			return "Fetching " + display(u) + "..."
		}
		return "Fetching..."
	case "":
		return "Using tool..."
	}
	return "Using " + display(name) + "..."
}

func display(s string) string {
	return truncateRunes(strings.Join(strings.Fields(s), " "), targetDisplayLen)
}

// truncateRunes keeps at most n runes of s, adding "..." when cut.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
