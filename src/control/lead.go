package control

import (
	"sort"
	"strings"
)

// PriorityKey is the field that raises the lead's priority flag.
const PriorityKey = "priority"

// Well-known lead fields.
const (
	FieldName    = "name"
	FieldPhone   = "phone"
	FieldAddress = "address"
	FieldZip     = "zip"
	FieldService = "service"
	FieldTime    = "time"
	FieldDetails = "details"
)

var fieldOrder = []string{FieldName, FieldPhone, FieldAddress, FieldZip, FieldService, FieldTime, FieldDetails}

// LeadRecord accumulates the caller details reported by the AI over a call.
// The zero value is ready to use. Not safe for concurrent use.
type LeadRecord struct {
	Fields   map[string]string
	Priority bool
}

// Merge applies fields with overwrite semantics. The priority flag is sticky:
// once raised, no later value clears it.
func (l *LeadRecord) Merge(fields map[string]string) {
	for k, v := range fields {
		if k == PriorityKey {
			if truthy(v) {
				l.Priority = true
			}
			continue
		}
		if l.Fields == nil {
			l.Fields = make(map[string]string)
		}
		l.Fields[k] = v
	}
}

// Empty reports whether nothing was captured.
func (l *LeadRecord) Empty() bool {
	return len(l.Fields) == 0 && !l.Priority
}

// Clone returns a deep copy.
func (l *LeadRecord) Clone() LeadRecord {
	c := LeadRecord{Priority: l.Priority}
	if l.Fields != nil {
		c.Fields = make(map[string]string, len(l.Fields))
		for k, v := range l.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Keys returns the field names, well-known fields first then the rest sorted.
func (l *LeadRecord) Keys() []string {
	keys := make([]string, 0, len(l.Fields))
	seen := make(map[string]bool, len(fieldOrder))
	for _, k := range fieldOrder {
		if _, ok := l.Fields[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var extra []string
	for k := range l.Fields {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "y", "1", "urgent", "high":
		return true
	}
	return false
}
