package pty

import "strings"

type ansiState int

const (
	ansiText ansiState = iota
	ansiEsc
	ansiCSI
	ansiString
	ansiStringEsc
)

// ANSIStripper removes escape sequences and control bytes from a terminal
// byte stream. It keeps state between writes, so a sequence split across
// chunks is still removed. Newlines, carriage returns and tabs are kept.
// Bytes >= 0x80 pass through untouched to keep UTF-8 intact.
type ANSIStripper struct {
	state ansiState
	// BEL ends OSC strings but not DCS/PM/APC strings.
	belEnds bool
}

func NewANSIStripper() *ANSIStripper {
	return &ANSIStripper{}
}

func (f *ANSIStripper) Write(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch f.state {
		case ansiText:
			switch {
			case b == 0x1b:
				f.state = ansiEsc
			case b == '\n' || b == '\r' || b == '\t':
				out = append(out, b)
			case b < 0x20 || b == 0x7f:
			default:
				out = append(out, b)
			}
		case ansiEsc:
			switch b {
			case '[':
				f.state = ansiCSI
			case ']':
				f.state = ansiString
				f.belEnds = true
			case 'P', '^', '_', 'X':
				f.state = ansiString
				f.belEnds = false
			default:
				f.state = ansiText
			}
		case ansiCSI:
			if b >= 0x40 && b <= 0x7e {
				f.state = ansiText
			}
		case ansiString:
			switch {
			case b == 0x07 && f.belEnds:
				f.state = ansiText
			case b == 0x1b:
				f.state = ansiStringEsc
			}
		case ansiStringEsc:
			if b == '\\' {
				f.state = ansiText
			} else {
				f.state = ansiString
			}
		}
	}
	return out
}

func (f *ANSIStripper) Reset() {
	f.state = ansiText
}

// StripANSI removes escape sequences from a complete string.
func StripANSI(value string) string {
	return string(NewANSIStripper().Write([]byte(value)))
}

// NormalizeNewlines turns CRLF and lone CR into LF.
func NormalizeNewlines(value string) string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(value, "\r", "\n")
}

// OutputTail renders the last lines of output for log fields, bounded by
// maxLines and maxBytes.
func OutputTail(lines []string, maxLines, maxBytes int) string {
	if len(lines) == 0 || maxLines <= 0 || maxBytes <= 0 {
		return ""
	}
	start := len(lines) - maxLines
	if start < 0 {
		start = 0
	}
	joined := StripANSI(strings.Join(lines[start:], "\n"))
	if len(joined) <= maxBytes {
		return joined
	}
	if maxBytes <= 3 {
		return joined[len(joined)-maxBytes:]
	}
	return "..." + joined[len(joined)-(maxBytes-3):]
}
