package pipeline

import (
	"log"

	"autopost/internal"
	"autopost/pkg/storage"
)

// Postable decides whether an event should produce a draft: monitoring
// must be active, the event type must pass the monitor's filters, and any
// configured rules must match the payload. Total — a misconfigured filter
// or rule silently excludes, it never fails ingestion.
func Postable(evt internal.RepositoryEvent, monitor *storage.MonitorRecord, logger *log.Logger) bool {
	if monitor == nil || !monitor.Active {
		return false
	}
	if !typeAllowed(evt.EventType, monitor.EventTypeFilters) {
		return false
	}
	if len(monitor.Rules) > 0 {
		rules, err := CompileRules(monitor.Rules, logger)
		if err != nil {
			if logger != nil {
				logger.Printf("monitor %s has invalid rules, excluding event: %v", monitor.RepositoryID, err)
			}
			return false
		}
		return rules.Match(evt.RawPayload)
	}
	return true
}

// typeAllowed checks the filter set; an empty set means every known type.
func typeAllowed(eventType internal.EventType, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if filter == string(eventType) {
			return true
		}
	}
	return false
}
