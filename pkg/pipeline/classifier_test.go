package pipeline

import (
	"encoding/json"
	"testing"

	"autopost/internal"
	"autopost/pkg/storage"
)

func pushEvent() internal.RepositoryEvent {
	return internal.RepositoryEvent{
		EventID:        "delivery-1",
		RepositoryID:   "42",
		RepositoryName: "demo",
		EventType:      internal.EventPush,
		RawPayload:     json.RawMessage(pushPayload),
		Summary:        internal.EventSummary{CommitCount: 3, Ref: "refs/heads/main"},
	}
}

func TestPostableActiveMonitor(t *testing.T) {
	monitor := &storage.MonitorRecord{RepositoryID: "42", Active: true}
	if !Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected active monitor without filters to be postable")
	}
}

func TestPostableNilOrInactive(t *testing.T) {
	if Postable(pushEvent(), nil, nil) {
		t.Fatalf("expected nil monitor to exclude")
	}
	monitor := &storage.MonitorRecord{RepositoryID: "42", Active: false}
	if Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected inactive monitor to exclude")
	}
}

func TestPostableTypeFilter(t *testing.T) {
	monitor := &storage.MonitorRecord{
		RepositoryID:     "42",
		Active:           true,
		EventTypeFilters: []string{"release"},
	}
	if Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected push to be excluded by release-only filter")
	}

	monitor.EventTypeFilters = []string{"release", "push"}
	if !Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected push to pass a filter that includes it")
	}
}

func TestPostableRules(t *testing.T) {
	monitor := &storage.MonitorRecord{
		RepositoryID: "42",
		Active:       true,
		Rules:        []string{`repository.full_name == "other/repo"`},
	}
	if Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected non-matching rule to exclude")
	}

	monitor.Rules = []string{`ref == "refs/heads/main"`}
	if !Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected matching rule to include")
	}
}

// TestPostableInvalidRulesExclude tests that a broken rule set excludes
// the event rather than panicking or erroring.
func TestPostableInvalidRulesExclude(t *testing.T) {
	monitor := &storage.MonitorRecord{
		RepositoryID: "42",
		Active:       true,
		Rules:        []string{`((`},
	}
	if Postable(pushEvent(), monitor, nil) {
		t.Fatalf("expected invalid rules to exclude")
	}
}
