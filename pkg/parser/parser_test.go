package parser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/agent8hq/agent8ctr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(s string) string {
	b, _ := jsonMarshal(s)
	return "0:" + b + "\n"
}

// jsonMarshal avoids importing encoding/json twice in the test with a
// different alias; kept trivial on purpose.
func jsonMarshal(s string) (string, error) {
	out := strings.Builder{}
	out.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			out.WriteString(`\"`)
		case '\\':
			out.WriteString(`\\`)
		case '\n':
			out.WriteString(`\n`)
		default:
			out.WriteRune(r)
		}
	}
	out.WriteByte('"')
	return out.String(), nil
}

type capture struct {
	texts      []string
	opens      []types.Artifact
	closes     []types.Artifact
	actionOpen []types.Action
	actionEnd  []types.Action
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		OnTextChunk:     func(s string) { c.texts = append(c.texts, s) },
		OnArtifactOpen:  func(a types.Artifact) { c.opens = append(c.opens, a) },
		OnArtifactClose: func(a types.Artifact) { c.closes = append(c.closes, a) },
		OnActionOpen:    func(a types.Action) { c.actionOpen = append(c.actionOpen, a) },
		OnActionClose:   func(a types.Action) { c.actionEnd = append(c.actionEnd, a) },
	}
}

func TestFullMessageInOneFeed(t *testing.T) {
	p := New()
	var cap capture

	msg := frame("before ") +
		frame(`<boltArtifact id="a1" title="demo" type="file">`) +
		frame(`<boltAction type="file" filePath="x.txt">hello world</boltAction>`) +
		frame(`</boltArtifact>`) +
		frame(" after")

	p.Feed("m1", msg, cap.callbacks())

	require.Len(t, cap.opens, 1)
	assert.Equal(t, "a1", cap.opens[0].ID)
	require.Len(t, cap.actionEnd, 1)
	assert.Equal(t, "hello world\n", cap.actionEnd[0].Content)
	require.Len(t, cap.closes, 1)
	assert.Contains(t, strings.Join(cap.texts, ""), "before")
	assert.Contains(t, strings.Join(cap.texts, ""), "after")
}

// TestSplitAcrossFragments is the round-trip property from spec.md §8:
// feeding the same content split arbitrarily yields identical callbacks.
func TestSplitAcrossFragments(t *testing.T) {
	full := frame("hi ") +
		frame(`<boltArtifact id="a1" title="t" type="file">`) +
		frame(`<boltAction type="shell">echo one</boltAction>`) +
		frame(`</boltArtifact>`)

	for split := 1; split < len(full)-1; split++ {
		p := New()
		var cap capture
		p.Feed("m", full[:split], cap.callbacks())
		p.Feed("m", full[split:], cap.callbacks())

		require.Len(t, cap.opens, 1, "split at %d", split)
		require.Len(t, cap.closes, 1, "split at %d", split)
		require.Len(t, cap.actionEnd, 1, "split at %d", split)
		assert.Equal(t, "echo one\n", cap.actionEnd[0].Content, "split at %d", split)
	}
}

func TestShellActionFallsBackToFirstLineAsCommand(t *testing.T) {
	p := New()
	var cap capture

	msg := frame(`<boltArtifact id="a1" title="t" type="file">`) +
		frame(`<boltAction type="shell">` + "\n  npm install\nnpm test" + `</boltAction>`) +
		frame(`</boltArtifact>`)

	p.Feed("m1", msg, cap.callbacks())

	require.Len(t, cap.actionEnd, 1)
	assert.Equal(t, "npm install", cap.actionEnd[0].Command)
}

func TestNonMarkdownStripsCodeFence(t *testing.T) {
	p := New()
	var cap capture

	msg := frame(`<boltArtifact id="a1" title="t" type="file">`) +
		frame("<boltAction type=\"file\" filePath=\"x.go\">```go\npackage main\n```</boltAction>") +
		frame(`</boltArtifact>`)

	p.Feed("m1", msg, cap.callbacks())

	require.Len(t, cap.actionEnd, 1)
	assert.Equal(t, "package main\n", cap.actionEnd[0].Content)
}

func TestMarkdownPathKeepsFence(t *testing.T) {
	p := New()
	var cap capture

	msg := frame(`<boltArtifact id="a1" title="t" type="file">`) +
		frame("<boltAction type=\"file\" filePath=\"README.md\">```go\ncode\n```</boltAction>") +
		frame(`</boltArtifact>`)

	p.Feed("m1", msg, cap.callbacks())

	require.Len(t, cap.actionEnd, 1)
	assert.Equal(t, "```go\ncode\n```\n", cap.actionEnd[0].Content)
}

func TestMultipleActionsInOneArtifact(t *testing.T) {
	p := New()
	var cap capture

	msg := frame(`<boltArtifact id="a1" title="t" type="file">`) +
		frame(`<boltAction type="shell">one</boltAction>`) +
		frame(`<boltAction type="shell">two</boltAction>`) +
		frame(`</boltArtifact>`)

	p.Feed("m1", msg, cap.callbacks())

	require.Len(t, cap.actionOpen, 2)
	require.Len(t, cap.actionEnd, 2)
	assert.Equal(t, "one\n", cap.actionEnd[0].Content)
	assert.Equal(t, "two\n", cap.actionEnd[1].Content)
}

func TestIgnoresNonZeroFrames(t *testing.T) {
	p := New()
	var cap capture

	p.Feed("m1", fmt.Sprintf("1:%s\n", `{"ignored":true}`)+frame("visible"), cap.callbacks())

	assert.Equal(t, []string{"visible"}, cap.texts)
}
