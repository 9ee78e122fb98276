// Package sentinel frames prompts with a per-request marker and finds the
// matching reply boundary in free-form agent output.
//
// A framed prompt carries the request id and asks the agent to finish its
// reply with a line holding only the done marker. The reply is the text
// between the echoed prompt line and that marker line.
package sentinel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	PlaceholderID      = "{id}"
	PlaceholderMessage = "{message}"
	PlaceholderDone    = "{done}"

	DefaultPromptTemplate = "[ask:{id}] {message} (end your reply with a line containing only {done})"
	DefaultDoneTemplate   = "[done:{id}]"
)

type Options struct {
	PromptTemplate string
	DoneTemplate   string
	// DoneRegex overrides the marker line pattern. {id} is replaced with
	// the quoted request id.
	DoneRegex string
}

type Protocol struct {
	prompt    string
	done      string
	doneRegex string
}

func New(opts Options) (*Protocol, error) {
	p := &Protocol{
		prompt:    strings.TrimSpace(opts.PromptTemplate),
		done:      strings.TrimSpace(opts.DoneTemplate),
		doneRegex: strings.TrimSpace(opts.DoneRegex),
	}
	if p.prompt == "" {
		p.prompt = DefaultPromptTemplate
	}
	if p.done == "" {
		p.done = DefaultDoneTemplate
	}
	if !strings.Contains(p.prompt, PlaceholderMessage) {
		return nil, fmt.Errorf("prompt template must contain %s", PlaceholderMessage)
	}
	if !strings.Contains(p.prompt, PlaceholderID) && !strings.Contains(p.prompt, PlaceholderDone) {
		return nil, fmt.Errorf("prompt template must contain %s or %s", PlaceholderID, PlaceholderDone)
	}
	if !strings.Contains(p.done, PlaceholderID) {
		return nil, fmt.Errorf("done template must contain %s", PlaceholderID)
	}
	if p.doneRegex != "" {
		if !strings.Contains(p.doneRegex, PlaceholderID) {
			return nil, fmt.Errorf("done regex must contain %s", PlaceholderID)
		}
		if _, err := regexp.Compile(strings.ReplaceAll(p.doneRegex, PlaceholderID, "x")); err != nil {
			return nil, fmt.Errorf("done regex: %w", err)
		}
	}
	return p, nil
}

// MustNew is New for static templates.
func MustNew(opts Options) *Protocol {
	p, err := New(opts)
	if err != nil {
		panic(err)
	}
	return p
}

// Frame renders the prompt for id. Line breaks in message are folded into
// spaces so a single submit sequence sends the whole prompt.
func (p *Protocol) Frame(id, message string) string {
	message = strings.Join(strings.Fields(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(message)), " ")
	return strings.NewReplacer(
		PlaceholderDone, p.DoneMarker(id),
		PlaceholderID, id,
		PlaceholderMessage, message,
	).Replace(p.prompt)
}

func (p *Protocol) DoneMarker(id string) string {
	return strings.ReplaceAll(p.done, PlaceholderID, id)
}

// DoneMatcher returns the pattern a whole, space-trimmed line must match to
// end the reply for id.
func (p *Protocol) DoneMatcher(id string) *regexp.Regexp {
	if p.doneRegex != "" {
		return regexp.MustCompile(strings.ReplaceAll(p.doneRegex, PlaceholderID, regexp.QuoteMeta(id)))
	}
	return regexp.MustCompile(`^` + regexp.QuoteMeta(p.DoneMarker(id)) + `$`)
}

// Extract looks for the reply to id in terminal text captured since the
// prompt was written. text must already be free of escape sequences with
// newlines normalized.
func (p *Protocol) Extract(text, id string) (string, bool) {
	return p.NewScanner(id, 0).Feed(text)
}

// Candidate returns the text following the echoed prompt, used as a
// best-effort reply when no marker arrives.
func (p *Protocol) Candidate(text, id string) string {
	scanner := p.NewScanner(id, 0)
	scanner.Feed(text)
	return scanner.Candidate()
}

// Scanner finds the reply to one request in output that arrives in pieces.
// Each complete line is examined once; only the unfinished last line is
// rechecked as it grows.
type Scanner struct {
	id      string
	done    *regexp.Regexp
	limit   int
	echoed  bool
	body    []string
	size    int
	visible bool
	pending string
}

// NewScanner prepares a scanner for id. A positive limit bounds the bytes
// retained for the reply; the oldest lines are dropped first.
func (p *Protocol) NewScanner(id string, limit int) *Scanner {
	s := &Scanner{id: id, limit: limit}
	if id != "" {
		s.done = p.DoneMatcher(id)
	}
	return s
}

// Feed appends text and reports the reply once the done marker line is
// seen.
func (s *Scanner) Feed(text string) (string, bool) {
	s.pending += text
	if s.done == nil {
		s.flush()
		return "", false
	}
	for {
		idx := strings.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		line := s.pending[:idx]
		s.pending = s.pending[idx+1:]
		if s.done.MatchString(strings.TrimSpace(line)) {
			return joinReply(s.body), true
		}
		s.addLine(line)
	}
	if s.done.MatchString(strings.TrimSpace(s.pending)) {
		return joinReply(s.body), true
	}
	s.capPending()
	return "", false
}

// HasCandidate reports whether Candidate would return visible text.
func (s *Scanner) HasCandidate() bool {
	if s.visible {
		return true
	}
	return !s.pendingIsEcho() && strings.TrimSpace(s.pending) != ""
}

// Candidate returns the reply text seen so far.
func (s *Scanner) Candidate() string {
	if s.pendingIsEcho() {
		return ""
	}
	lines := make([]string, 0, len(s.body)+1)
	lines = append(lines, s.body...)
	return joinReply(append(lines, s.pending))
}

func (s *Scanner) pendingIsEcho() bool {
	return !s.echoed && s.id != "" && strings.Contains(s.pending, s.id)
}

// flush moves complete lines into the body when no id is being tracked.
func (s *Scanner) flush() {
	for {
		idx := strings.IndexByte(s.pending, '\n')
		if idx < 0 {
			break
		}
		s.addLine(s.pending[:idx])
		s.pending = s.pending[idx+1:]
	}
	s.capPending()
}

func (s *Scanner) addLine(line string) {
	if !s.echoed && s.id != "" && strings.Contains(line, s.id) {
		s.echoed = true
		s.body = s.body[:0]
		s.size = 0
		s.visible = false
		return
	}
	s.body = append(s.body, line)
	s.size += len(line) + 1
	if strings.TrimSpace(line) != "" {
		s.visible = true
	}
	if s.limit <= 0 || s.size <= s.limit {
		return
	}
	drop := 0
	for drop < len(s.body)-1 && s.size > s.limit/2 {
		s.size -= len(s.body[drop]) + 1
		drop++
	}
	s.body = append(s.body[:0], s.body[drop:]...)
}

func (s *Scanner) capPending() {
	if s.limit > 0 && len(s.pending) > s.limit {
		s.pending = s.pending[len(s.pending)-s.limit/2:]
	}
}

// ExtractEntry checks a transcript entry for the done marker of id and
// returns the entry with the marker removed.
func (p *Protocol) ExtractEntry(content, id string) (string, bool) {
	if id == "" {
		return "", false
	}
	done := p.DoneMatcher(id)
	lines := strings.Split(NormalizeText(content), "\n")
	for i, line := range lines {
		if done.MatchString(strings.TrimSpace(line)) {
			return joinReply(lines[:i]), true
		}
	}
	marker := p.DoneMarker(id)
	if strings.Contains(content, marker) {
		return joinReply(strings.Split(strings.ReplaceAll(NormalizeText(content), marker, ""), "\n")), true
	}
	return "", false
}

// NormalizeText converts CRLF and lone CR to LF.
func NormalizeText(value string) string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(value, "\r", "\n")
}

func joinReply(lines []string) string {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(trimmed, "\n"))
}

// Generator issues request ids that are unique within its lifetime: a
// random prefix per generator and a monotonically increasing counter.
type Generator struct {
	prefix string
	seq    atomic.Uint64
}

func NewGenerator() *Generator {
	return &Generator{prefix: strings.ReplaceAll(uuid.NewString(), "-", "")[:8]}
}

func (g *Generator) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.seq.Add(1))
}

var ErrEmptyMessage = errors.New("message is empty")

// ValidateMessage rejects messages with no visible content.
func ValidateMessage(message string) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}
	return nil
}
