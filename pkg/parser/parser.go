// Package parser implements the Streaming Parser (spec.md §4.F): it
// decodes a framed upstream text stream and incrementally extracts plain
// text plus the two structured tag families the Action Runner consumes,
// resuming from wherever the previous Feed call left off.
package parser

import (
	"encoding/json"
	"html"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/agent8hq/agent8ctr/pkg/types"
)

// Callbacks are the parser's push notifications. Any nil field is skipped.
type Callbacks struct {
	OnTextChunk     func(chunk string)
	OnArtifactOpen  func(a types.Artifact)
	OnArtifactClose func(a types.Artifact)
	OnActionOpen    func(a types.Action)
	OnActionStream  func(chunk string)
	OnActionClose   func(a types.Action)
}

const (
	artifactOpenTag  = "<boltArtifact"
	artifactCloseTag = "</boltArtifact>"
	actionOpenTag    = "<boltAction"
	actionCloseTag   = "</boltAction>"
)

var frameLineRE = regexp.MustCompile(`^(\d+):(.*)$`)

// session is the per-message-id parser state from spec.md §4.F.
type session struct {
	frameTail string // undecoded partial frame line carried across Feed calls
	decoded   strings.Builder
	position  int

	insideArtifact  bool
	insideAction    bool
	currentArtifact types.Artifact
	currentAction   types.Action
	actionContent   strings.Builder
}

// Parser holds one session per message id.
type Parser struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// New returns an empty Parser.
func New() *Parser {
	return &Parser{sessions: make(map[string]*session)}
}

// Reset discards state for msgID, e.g. once its task completes.
func (p *Parser) Reset(msgID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, msgID)
}

// Feed decodes a new raw fragment of the upstream stream for msgID and
// advances the tag state machine as far as the currently available text
// allows, invoking cb along the way.
func (p *Parser) Feed(msgID string, fragment string, cb Callbacks) {
	p.mu.Lock()
	s, ok := p.sessions[msgID]
	if !ok {
		s = &session{}
		p.sessions[msgID] = s
	}
	p.mu.Unlock()

	s.decodeFrames(fragment)
	s.scan(cb)
}

// decodeFrames splits the accumulated raw text on newlines, decodes every
// complete `N:<json-string>\n` line, and appends N==0 (text) payloads to
// the session's decoded buffer. Non-zero frame types carry upstream
// metadata this parser does not interpret and are dropped. An incomplete
// trailing line is kept as frameTail and retried on the next Feed call.
func (s *session) decodeFrames(fragment string) {
	buf := s.frameTail + fragment
	lines := strings.Split(buf, "\n")
	// The final element is either "" (buf ended in \n) or a partial line.
	s.frameTail = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	for _, line := range lines {
		m := frameLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n != 0 {
			continue
		}
		var text string
		if err := json.Unmarshal([]byte(m[2]), &text); err != nil {
			continue
		}
		s.decoded.WriteString(text)
	}
}

// scan advances the tag state machine over decoded[position:], stopping
// whenever the remaining text might still be a partial tag so that it is
// replayed once more text arrives.
func (s *session) scan(cb Callbacks) {
	for {
		text := s.decoded.String()
		switch {
		case !s.insideArtifact:
			if !s.scanOutside(text, cb) {
				return
			}
		case s.insideArtifact && !s.insideAction:
			if !s.scanInsideArtifact(text, cb) {
				return
			}
		default:
			if !s.scanInsideAction(text, cb) {
				return
			}
		}
	}
}

// scanOutside looks for the next artifact open tag, emitting everything
// before it as plain text. Returns false when no further progress is
// possible with the text currently available.
func (s *session) scanOutside(text string, cb Callbacks) bool {
	remaining := text[s.position:]
	idx := strings.Index(remaining, artifactOpenTag)
	if idx == -1 {
		safe := safeTail(remaining, artifactOpenTag)
		emit(cb.OnTextChunk, remaining[:len(remaining)-safe])
		s.position += len(remaining) - safe
		return false
	}
	emit(cb.OnTextChunk, remaining[:idx])
	s.position += idx

	tagEnd := strings.Index(text[s.position:], ">")
	if tagEnd == -1 {
		return false // partial opening tag, wait for more
	}
	tag := text[s.position : s.position+tagEnd+1]
	s.currentArtifact = parseArtifactTag(tag)
	s.position += tagEnd + 1
	s.insideArtifact = true
	if cb.OnArtifactOpen != nil {
		cb.OnArtifactOpen(s.currentArtifact)
	}
	return true
}

// scanInsideArtifact looks for the next action open tag or the artifact's
// own close tag, whichever occurs first.
func (s *session) scanInsideArtifact(text string, cb Callbacks) bool {
	remaining := text[s.position:]
	idxAction := strings.Index(remaining, actionOpenTag)
	idxClose := strings.Index(remaining, artifactCloseTag)

	switch earliest(idxAction, idxClose) {
	case -1:
		safe := safeTail(remaining, actionOpenTag, artifactCloseTag)
		s.position += len(remaining) - safe
		return false

	case idxAction:
		tagEnd := strings.Index(text[s.position+idxAction:], ">")
		if tagEnd == -1 {
			return false
		}
		tag := text[s.position+idxAction : s.position+idxAction+tagEnd+1]
		s.currentAction = parseActionTag(tag)
		s.actionContent.Reset()
		s.position += idxAction + tagEnd + 1
		s.insideAction = true
		if cb.OnActionOpen != nil {
			cb.OnActionOpen(s.currentAction)
		}
		return true

	default: // artifact close
		s.position += idxClose + len(artifactCloseTag)
		closed := s.currentArtifact
		s.insideArtifact = false
		s.currentArtifact = types.Artifact{}
		if cb.OnArtifactClose != nil {
			cb.OnArtifactClose(closed)
		}
		return true
	}
}

// scanInsideAction streams content until the earliest of the action's own
// close tag, the next action's open tag, or the enclosing artifact's close
// tag — all three end the current action (spec.md §4.F).
func (s *session) scanInsideAction(text string, cb Callbacks) bool {
	remaining := text[s.position:]
	idxActionClose := strings.Index(remaining, actionCloseTag)
	idxActionOpen := strings.Index(remaining, actionOpenTag)
	idxArtifactClose := strings.Index(remaining, artifactCloseTag)

	stop := earliestOf(idxActionClose, idxActionOpen, idxArtifactClose)
	if stop == -1 {
		safe := safeTail(remaining, actionCloseTag, actionOpenTag, artifactCloseTag)
		chunk := remaining[:len(remaining)-safe]
		s.actionContent.WriteString(chunk)
		emit(cb.OnActionStream, chunk)
		s.position += len(remaining) - safe
		return false
	}

	chunk := remaining[:stop]
	s.actionContent.WriteString(chunk)
	emit(cb.OnActionStream, chunk)
	s.position += stop

	switch stop {
	case idxActionClose:
		s.position += len(actionCloseTag)
	}
	s.closeCurrentAction(cb)
	return true
}

// closeCurrentAction sanitizes the accumulated content, invokes
// onActionClose, and resets the action sub-state. Called whenever any of
// the three terminators is reached; only an explicit close tag is
// consumed from the buffer, the other two terminators are left for the
// enclosing scan functions to handle on the next loop iteration.
func (s *session) closeCurrentAction(cb Callbacks) {
	a := s.currentAction
	a.Content = sanitize(s.actionContent.String(), a)
	if a.Type == types.ActionTypeShell && a.Command == "" {
		a.Command = firstNonEmptyLine(a.Content)
	}
	s.insideAction = false
	s.currentAction = types.Action{}
	s.actionContent.Reset()
	if cb.OnActionClose != nil {
		cb.OnActionClose(a)
	}
}

func emit(fn func(string), s string) {
	if fn != nil && s != "" {
		fn(s)
	}
}

// earliest returns whichever of a, b is smallest and non-negative, or -1
// if both are negative.
func earliest(a, b int) int {
	if a == -1 {
		return b
	}
	if b == -1 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func earliestOf(vals ...int) int {
	result := -1
	for _, v := range vals {
		result = earliest(result, v)
	}
	return result
}

// safeTail returns how many trailing bytes of s must be withheld because
// they could be the prefix of one of tags, so a tag split across two Feed
// calls is never missed.
func safeTail(s string, tags ...string) int {
	maxKeep := 0
	for _, tag := range tags {
		for n := len(tag) - 1; n > 0; n-- {
			if n > len(s) {
				continue
			}
			if strings.HasSuffix(s, tag[:n]) {
				if n > maxKeep {
					maxKeep = n
				}
				break
			}
		}
	}
	return maxKeep
}

var attrRE = regexp.MustCompile(`(\w+)="([^"]*)"`)

func parseAttrs(tag string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRE.FindAllStringSubmatch(tag, -1) {
		out[m[1]] = m[2]
	}
	return out
}

func parseArtifactTag(tag string) types.Artifact {
	attrs := parseAttrs(tag)
	t := types.ArtifactFile
	if attrs["type"] == string(types.ArtifactFolder) {
		t = types.ArtifactFolder
	}
	return types.Artifact{ID: attrs["id"], Title: attrs["title"], Type: t}
}

func parseActionTag(tag string) types.Action {
	attrs := parseAttrs(tag)
	a := types.Action{}
	if attrs["type"] == string(types.ActionTypeShell) {
		a.Type = types.ActionTypeShell
		a.Command = attrs["command"]
		return a
	}
	a.Type = types.ActionTypeFile
	a.FilePath = attrs["filePath"]
	a.Operation = types.FileOpCreate
	if op := types.FileOperation(attrs["operation"]); op == types.FileOpUpdate || op == types.FileOpDelete {
		a.Operation = op
	}
	return a
}

// sanitize applies spec.md §4.F's content rules: trim, strip fenced code
// block/CDATA wrappers unless the path is markdown, unescape entities and
// common escape sequences, then append a trailing newline.
func sanitize(content string, a types.Action) string {
	content = strings.TrimSpace(content)

	isMarkdown := a.Type == types.ActionTypeFile && strings.HasSuffix(strings.ToLower(a.FilePath), ".md")
	if !isMarkdown {
		content = stripFence(content)
		content = html.UnescapeString(content)
		content = unescapeSequences(content)
	}
	return content + "\n"
}

var (
	fenceRE = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\n?(.*?)\\n?```$")
	cdataRE = regexp.MustCompile(`(?s)^<!\[CDATA\[(.*?)\]\]>$`)
)

func stripFence(s string) string {
	if m := fenceRE.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := cdataRE.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

var escapeReplacer = strings.NewReplacer(
	`\n`, "\n",
	`\t`, "\t",
	`\"`, `"`,
	`\\`, `\`,
)

func unescapeSequences(s string) string {
	return escapeReplacer.Replace(s)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
