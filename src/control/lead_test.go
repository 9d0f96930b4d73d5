package control

import (
	"reflect"
	"testing"
)

func TestLeadMergeAcrossDirectives(t *testing.T) {
	var lead LeadRecord
	lead.Merge(Parse("LEAD name=Jane Doe; phone=555-0100; priority=true").Fields)
	lead.Merge(Parse("LEAD service=HVAC").Fields)

	want := map[string]string{"name": "Jane Doe", "phone": "555-0100", "service": "HVAC"}
	if !reflect.DeepEqual(lead.Fields, want) {
		t.Errorf("Fields = %v, want %v", lead.Fields, want)
	}
	if !lead.Priority {
		t.Error("Priority = false, want true")
	}
}

func TestLeadOverwriteAndStickyPriority(t *testing.T) {
	var lead LeadRecord
	lead.Merge(map[string]string{"name": "Jon", "priority": "urgent"})
	lead.Merge(map[string]string{"name": "John", "priority": "false"})

	if got := lead.Fields["name"]; got != "John" {
		t.Errorf("name = %q, want John", got)
	}
	if !lead.Priority {
		t.Error("priority was cleared")
	}
	if _, ok := lead.Fields["priority"]; ok {
		t.Error("priority stored as a field")
	}
}

func TestLeadEmptyKeysAndClone(t *testing.T) {
	var lead LeadRecord
	if !lead.Empty() {
		t.Fatal("zero lead not empty")
	}

	lead.Merge(map[string]string{"zip": "90210", "name": "Ann", "color": "blue", "priority": "yes"})
	if lead.Empty() {
		t.Fatal("lead empty after merge")
	}
	want := []string{"name", "zip", "color"}
	if got := lead.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	c := lead.Clone()
	c.Fields["name"] = "Changed"
	if lead.Fields["name"] != "Ann" {
		t.Error("Clone shares field map")
	}
}
