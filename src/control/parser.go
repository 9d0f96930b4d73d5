// Package control parses directives the AI emits on its text channel.
//
// Each directive occupies one line:
//
//	TRANSFER
//	DONE
//	LEAD name=Jane Doe; phone=555-0100; priority=true
//
// Keywords match case-insensitively on the trimmed line. Any other line is
// ordinary text and ignored by the relay.
package control

import (
	"strings"
)

// Kind identifies a parsed directive.
type Kind int

const (
	None Kind = iota
	Transfer
	Done
	Lead
)

func (k Kind) String() string {
	switch k {
	case Transfer:
		return "transfer"
	case Done:
		return "done"
	case Lead:
		return "lead"
	default:
		return "none"
	}
}

// Directive is one parsed control line.
type Directive struct {
	Kind   Kind
	Fields map[string]string // only for Lead
}

// Parse classifies a single line of AI text.
func Parse(line string) Directive {
	line = strings.TrimSpace(line)
	switch {
	case strings.EqualFold(line, "TRANSFER"):
		return Directive{Kind: Transfer}
	case strings.EqualFold(line, "DONE"):
		return Directive{Kind: Done}
	}

	if len(line) < 4 || !strings.EqualFold(line[:4], "LEAD") {
		return Directive{}
	}
	rest := line[4:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		// LEADER, LEADS, ...
		return Directive{}
	}
	return Directive{Kind: Lead, Fields: parseFields(rest)}
}

// parseFields splits "k=v; k=v" segments. Segments without '=' or with an
// empty key are skipped. Keys are lower-cased, values trimmed.
func parseFields(s string) map[string]string {
	fields := make(map[string]string)
	for _, seg := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		fields[k] = strings.TrimSpace(v)
	}
	return fields
}

// LineBuffer reassembles streamed text deltas into complete lines.
type LineBuffer struct {
	partial strings.Builder
}

// Write appends a delta and returns every line it completed.
func (b *LineBuffer) Write(delta string) []string {
	var lines []string
	for {
		i := strings.IndexByte(delta, '\n')
		if i < 0 {
			b.partial.WriteString(delta)
			return lines
		}
		b.partial.WriteString(delta[:i])
		lines = append(lines, strings.TrimSuffix(b.partial.String(), "\r"))
		b.partial.Reset()
		delta = delta[i+1:]
	}
}

// Flush returns any unterminated text and resets the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if b.partial.Len() == 0 {
		return "", false
	}
	s := b.partial.String()
	b.partial.Reset()
	return s, true
}
