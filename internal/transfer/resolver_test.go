package transfer

import (
	"testing"
	"time"

	"github.com/tenvoicebridge/realtime-bridge/internal/config"
)

func salesRule() config.TransferRule {
	return config.TransferRule{
		TenantID: "t1", Department: "sales", DestinationType: "ring-group",
		DestinationID: "200", Enabled: true, Priority: 1,
		Synonyms: []string{"purchasing"}, IntentKeywords: []string{"buy something"},
	}
}

func billingRule() config.TransferRule {
	return config.TransferRule{
		TenantID: "t1", Department: "billing", DestinationType: "extension",
		DestinationID: "201", Enabled: true, Priority: 2,
	}
}

func TestResolveGenericTokenReturnsDefault(t *testing.T) {
	r := New()
	rules := []config.TransferRule{salesRule(), billingRule()}
	def, ok := lowestPriorityRule(rules)
	if !ok {
		t.Fatal("expected a default rule")
	}

	res := r.Resolve("please connect me to qualquer pessoa", rules, def, true)
	if !res.Matched {
		t.Fatal("expected generic-token match to resolve to the tenant default")
	}
	if res.Rule.Department != billingRule().Department {
		t.Fatalf("default rule = %q, want the highest-priority-number rule (billing)", res.Rule.Department)
	}
}

func TestResolveFuzzyMatchOnDepartmentName(t *testing.T) {
	r := New()
	rules := []config.TransferRule{salesRule(), billingRule()}

	res := r.Resolve("I'd like to talk to sales please", rules, config.TransferRule{}, false)
	if !res.Matched {
		t.Fatal("expected a fuzzy match on the department name")
	}
	if res.Rule.Department != "sales" {
		t.Fatalf("matched %q, want sales", res.Rule.Department)
	}
}

func TestResolveNoMatchReturnsAvailableDepartments(t *testing.T) {
	r := New()
	rules := []config.TransferRule{salesRule(), billingRule()}

	res := r.Resolve("xyzzy plugh", rules, config.TransferRule{}, false)
	if res.Matched {
		t.Fatal("expected no match for unrelated text")
	}
	if len(res.Available) != 2 {
		t.Fatalf("Available = %v, want 2 department names", res.Available)
	}
}

func TestResolveClosedOutsideWorkingHours(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 22, 0, 0, 0, time.UTC) // 22:00 UTC
	rule := salesRule()
	rule.WorkingHours = config.WorkingHours{Enabled: true, StartHour: 9, EndHour: 17, Timezone: "UTC"}

	r := New(WithClock(func() time.Time { return fixed }))
	res := r.Resolve("sales please", []config.TransferRule{rule}, config.TransferRule{}, false)
	if !res.Matched {
		t.Fatal("expected the rule to match before the working-hours check")
	}
	if !res.Closed {
		t.Fatal("expected Closed=true at 22:00 against a 9-17 window")
	}
}

func TestResolveOpenDuringWorkingHours(t *testing.T) {
	fixed := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	rule := salesRule()
	rule.WorkingHours = config.WorkingHours{Enabled: true, StartHour: 9, EndHour: 17, Timezone: "UTC"}

	r := New(WithClock(func() time.Time { return fixed }))
	res := r.Resolve("sales please", []config.TransferRule{rule}, config.TransferRule{}, false)
	if !res.Matched || res.Closed {
		t.Fatalf("expected an open match at noon, got matched=%v closed=%v", res.Matched, res.Closed)
	}
}

func TestDialStringByDestinationType(t *testing.T) {
	cases := []struct {
		destType string
		want     string
	}{
		{"extension", "user/201@default"},
		{"ring-group", "group/200@default"},
		{"queue", "fifo/100@default"},
		{"voicemail", "voicemail/300@default"},
		{"external", "sofia/gateway/default/5551234567"},
	}
	ids := map[string]string{
		"extension": "201", "ring-group": "200", "queue": "100",
		"voicemail": "300", "external": "5551234567",
	}
	for _, c := range cases {
		got := dialString(c.destType, ids[c.destType], "")
		if got != c.want {
			t.Errorf("dialString(%q) = %q, want %q", c.destType, got, c.want)
		}
	}
}

func TestStatusForHangupCause(t *testing.T) {
	cases := map[string]string{
		"USER_BUSY":                "busy",
		"NO_ANSWER":                "no_answer",
		"ALLOTTED_TIMEOUT":         "no_answer",
		"SUBSCRIBER_ABSENT":        "offline",
		"CALL_REJECTED":            "rejected",
		"DO_NOT_DISTURB":           "dnd",
		"DESTINATION_OUT_OF_ORDER": "failed",
		"NORMAL_CLEARING":          "success",
		"SOMETHING_ELSE":           "unavailable",
		"":                         "unavailable",
	}
	for cause, want := range cases {
		if got := statusForHangupCause(cause); got != want {
			t.Errorf("statusForHangupCause(%q) = %q, want %q", cause, got, want)
		}
	}
}
