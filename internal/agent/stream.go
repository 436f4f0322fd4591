// Package agent spawns fix agent processes and interprets their
// stream-json output.
package agent

import (
	"bytes"
	"encoding/json"
)

// MessageKind classifies a parsed stream message.
type MessageKind string

const (
	KindAssistant MessageKind = "assistant"
	KindResult    MessageKind = "result"
	KindOther     MessageKind = "other"
)

// maxCarryBytes bounds the partial line kept between chunks.
const maxCarryBytes = 8 * 1024 * 1024

// Message is one line of the agent CLI's stream-json output.
type Message struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype,omitempty"`
	Message *AssistantBody `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Kind returns the message class used by the status and result extractors.
func (m Message) Kind() MessageKind {
	switch m.Type {
	case "assistant":
		if m.Message != nil {
			return KindAssistant
		}
	case "result":
		return KindResult
	}
	return KindOther
}

// AssistantBody is the nested message of an assistant turn.
type AssistantBody struct {
	Role    string        `json:"role,omitempty"`
	Content ContentBlocks `json:"content"`
}

// ContentBlock is a single tool_use, thinking, or text block.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// ContentBlocks accepts either an array of blocks or a bare string, which
// becomes a single text block.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlocks) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = ContentBlocks{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ParseLine attempts one line as a stream message. Lines that do not start
// with '{' or do not decode are rejected.
func ParseLine(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Message{}, false
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, false
	}
	return msg, true
}

// StreamParser reassembles newline-delimited messages from arbitrary chunks.
// It is not safe for concurrent use.
type StreamParser struct {
	carry []byte
}

// NewStreamParser creates an empty parser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes a chunk and returns every complete message it closes.
// The trailing fragment is held until the next Feed or Flush.
func (p *StreamParser) Feed(chunk []byte) []Message {
	if len(chunk) == 0 {
		return nil
	}
	p.carry = append(p.carry, chunk...)

	var msgs []Message
	for {
		idx := bytes.IndexByte(p.carry, '\n')
		if idx < 0 {
			break
		}
		if msg, ok := ParseLine(p.carry[:idx]); ok {
			msgs = append(msgs, msg)
		}
		p.carry = p.carry[idx+1:]
	}

	if len(p.carry) > maxCarryBytes {
		p.carry = nil
	}
	// Compact so the backing array does not grow with the stream.
	if len(p.carry) == 0 {
		p.carry = nil
	} else if cap(p.carry) > 2*len(p.carry)+4096 {
		p.carry = append([]byte(nil), p.carry...)
	}
	return msgs
}

// Flush parses the unterminated trailing fragment, if any.
func (p *StreamParser) Flush() []Message {
	rest := p.carry
	p.carry = nil
	if msg, ok := ParseLine(rest); ok {
		return []Message{msg}
	}
	return nil
}

// Pending reports the size of the held fragment.
func (p *StreamParser) Pending() int {
	return len(p.carry)
}

// ParseAll parses a complete output buffer, including a final line with no
// newline.
func ParseAll(raw string) []Message {
	p := NewStreamParser()
	msgs := p.Feed([]byte(raw))
	return append(msgs, p.Flush()...)
}
