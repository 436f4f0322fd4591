package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"s1"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"}]}}
not json at all
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Read","input":{"file_path":"/src/app/main.ts"}}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Done. <fix_json>{\"success\":true}</fix_json>"}]}}
{broken json
{"type":"result","subtype":"success","result":"all good"}
`

func TestStreamParserSingleChunk(t *testing.T) {
	p := NewStreamParser()
	msgs := p.Feed([]byte(sampleStream))
	require.Len(t, msgs, 5)
	assert.Equal(t, KindOther, msgs[0].Kind())
	assert.Equal(t, KindAssistant, msgs[1].Kind())
	assert.Equal(t, KindAssistant, msgs[2].Kind())
	assert.Equal(t, KindAssistant, msgs[3].Kind())
	assert.Equal(t, KindResult, msgs[4].Kind())
	assert.Equal(t, "all good", msgs[4].Result)
	assert.Zero(t, p.Pending())
	assert.Empty(t, p.Flush())
}

func TestStreamParserRechunkingInvariance(t *testing.T) {
	want := NewStreamParser().Feed([]byte(sampleStream))

	for _, size := range []int{1, 2, 3, 7, 16, 64, 100, len(sampleStream)} {
		p := NewStreamParser()
		var got []Message
		data := []byte(sampleStream)
		for len(data) > 0 {
			n := size
			if n > len(data) {
				n = len(data)
			}
			got = append(got, p.Feed(data[:n])...)
			data = data[n:]
		}
		got = append(got, p.Flush()...)
		assert.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestStreamParserSplitsInsideMultibyteRunes(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"héllo wörld ✓"}]}}` + "\n"
	p := NewStreamParser()
	var got []Message
	for i := 0; i < len(line); i++ {
		got = append(got, p.Feed([]byte{line[i]})...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "héllo wörld ✓", got[0].Message.Content[0].Text)
}

func TestStreamParserFlushTrailingLine(t *testing.T) {
	p := NewStreamParser()
	assert.Empty(t, p.Feed([]byte(`{"type":"result","result":"tail"}`)))
	assert.Positive(t, p.Pending())

	msgs := p.Flush()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tail", msgs[0].Result)
	assert.Empty(t, p.Flush())
}

func TestStreamParserMalformedLinesNeverPanic(t *testing.T) {
	inputs := []string{
		"{",
		"}\n{\n",
		`{"type":`,
		`{"type":"assistant","message":{"content":42}}` + "\n",
		`{"type":"assistant","message":null}` + "\n",
		"\x00\xff\xfe\n",
		strings.Repeat("{", 10000) + "\n",
		`{"type":"result","result":{"nested":true}}` + "\n",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			p := NewStreamParser()
			p.Feed([]byte(in))
			p.Flush()
		}, "input %q", in)
	}
}

func TestStreamParserCRLF(t *testing.T) {
	msgs := ParseAll("{\"type\":\"result\",\"result\":\"x\"}\r\n")
	require.Len(t, msgs, 1)
	assert.Equal(t, KindResult, msgs[0].Kind())
}

func TestContentBlocksAcceptsString(t *testing.T) {
	msgs := ParseAll(`{"type":"assistant","message":{"content":"plain reply"}}`)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Message.Content, 1)
	assert.Equal(t, "text", msgs[0].Message.Content[0].Type)
	assert.Equal(t, "plain reply", msgs[0].Message.Content[0].Text)
}

func TestParseLineRejectsNonObjects(t *testing.T) {
	_, ok := ParseLine([]byte(`["type"]`))
	assert.False(t, ok)
	_, ok = ParseLine([]byte(`   `))
	assert.False(t, ok)
	_, ok = ParseLine([]byte(`  {"type":"result"}`))
	assert.True(t, ok)
}
