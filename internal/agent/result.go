package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

var fixJSONPattern = regexp.MustCompile(`(?s)<fix_json>(.*?)</fix_json>`)

var errNoFixBlock = errors.New("no <fix_json> block")

// ReconstructText joins assistant text blocks and result payloads in the
// order they were emitted.
func ReconstructText(raw string) string {
	var parts []string
	for _, msg := range ParseAll(raw) {
		switch msg.Kind() {
		case KindAssistant:
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, block.Text)
				}
			}
		case KindResult:
			if msg.Result != "" {
				parts = append(parts, msg.Result)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ParseResult extracts the agent's FixOutput from its accumulated stdout.
// When no usable block exists a failed output with a diagnostic is returned.
func ParseResult(raw string) models.FixOutput {
	out, _ := ExtractResult(raw)
	return out
}

// ExtractResult is ParseResult that also reports why no block could be
// used. The reconstructed text is searched first, then the raw output.
func ExtractResult(raw string) (models.FixOutput, error) {
	if out, err := findFixOutput(ReconstructText(raw)); err == nil {
		return out, nil
	}
	out, err := findFixOutput(raw)
	if err == nil {
		return out, nil
	}
	if strings.TrimSpace(raw) == "" {
		err = errors.New("agent produced no output")
	}
	return models.FailedOutput("result parse failed: %v", err), err
}

// findFixOutput returns the last block in text that decodes to a FixOutput.
func findFixOutput(text string) (models.FixOutput, error) {
	matches := fixJSONPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return models.FixOutput{}, errNoFixBlock
	}
	var lastErr error
	for i := len(matches) - 1; i >= 0; i-- {
		out, err := DecodeFixOutput(matches[i][1])
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return models.FixOutput{}, lastErr
}

// DecodeFixOutput decodes the body of a <fix_json> block. Code fences are
// stripped and malformed JSON gets one repair attempt. The block is only
// accepted when "success" is a JSON boolean.
func DecodeFixOutput(body string) (models.FixOutput, error) {
	body = stripCodeFence(body)
	if body == "" {
		return models.FixOutput{}, errors.New("empty <fix_json> block")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		repaired, repairErr := repairJSON(body)
		if repairErr != nil {
			return models.FixOutput{}, fmt.Errorf("invalid fix json: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &fields); err != nil {
			return models.FixOutput{}, fmt.Errorf("invalid fix json after repair: %w", err)
		}
	}
	if fields == nil {
		return models.FixOutput{}, errors.New("fix json is not an object")
	}

	var out models.FixOutput
	switch strings.TrimSpace(string(fields["success"])) {
	case "true":
		out.Success = true
	case "false":
		out.Success = false
	default:
		return models.FixOutput{}, errors.New(`fix json "success" is not a boolean`)
	}

	out.FilesModified = stringList(fields["filesModified"])
	out.ResearchSources = stringList(fields["researchSources"])
	out.Summary = stringField(fields["summary"])
	out.Error = stringField(fields["error"])
	return out, nil
}

func repairJSON(s string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("json repair panicked: %v", r)
		}
	}()
	return jsonrepair.JSONRepair(s)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// stringList keeps the string items of a JSON array; anything else yields
// an empty list.
func stringList(raw json.RawMessage) []string {
	out := []string{}
	var items []any
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return out
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
