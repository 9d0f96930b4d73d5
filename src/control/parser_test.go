package control

import (
	"reflect"
	"testing"
)

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{"TRANSFER", Transfer},
		{"  transfer \t", Transfer},
		{"Done", Done},
		{"DONE.", None},
		{"please TRANSFER", None},
		{"TRANSFER now", None},
		{"LEAD name=A", Lead},
		{"lead\tname=A", Lead},
		{"LEAD", Lead},
		{"LEADER name=A", None},
		{"", None},
		{"Thanks for calling!", None},
	}
	for _, tt := range tests {
		if got := Parse(tt.line).Kind; got != tt.want {
			t.Errorf("Parse(%q).Kind = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestParseLeadFields(t *testing.T) {
	d := Parse("LEAD Name = Jane Doe ;phone=555-0100;; bogus ; =x; details=a=b")
	want := map[string]string{
		"name":    "Jane Doe",
		"phone":   "555-0100",
		"details": "a=b",
	}
	if !reflect.DeepEqual(d.Fields, want) {
		t.Errorf("Fields = %v, want %v", d.Fields, want)
	}
}

func TestLineBuffer(t *testing.T) {
	var b LineBuffer

	if lines := b.Write("Sure, one mom"); len(lines) != 0 {
		t.Fatalf("lines = %q, want none", lines)
	}
	lines := b.Write("ent.\nTRANS")
	if !reflect.DeepEqual(lines, []string{"Sure, one moment."}) {
		t.Fatalf("lines = %q", lines)
	}
	lines = b.Write("FER\r\nLEAD a=1\nDO")
	if !reflect.DeepEqual(lines, []string{"TRANSFER", "LEAD a=1"}) {
		t.Fatalf("lines = %q", lines)
	}

	rest, ok := b.Flush()
	if !ok || rest != "DO" {
		t.Errorf("Flush() = %q, %v", rest, ok)
	}
	if _, ok := b.Flush(); ok {
		t.Error("second Flush returned text")
	}
}
