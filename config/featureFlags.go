package config

import (
	"os"
	"strings"
)

// AutomationEnabled reports whether a named automation is switched on.
//
// Set via env:
// - AUTOMATIONS_DISABLED="rain_check,collection_bot"
//
// Names are case-insensitive. Unlisted automations run.
func AutomationEnabled(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	raw := os.Getenv("AUTOMATIONS_DISABLED")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == name {
			return false
		}
	}
	return true
}

// OutboxDirectProcessing controls the in-process outbox consumer.
//
// Set via env:
// - OUTBOX_DIRECT_PROCESSING=false
//
// Default is on: even when Pub/Sub fan-out is configured, a misconfigured
// subscription would otherwise leave change events stuck and the reactive
// rules never firing. Processing is protected by DB idempotency keys, so
// at-least-once delivery from both paths is safe.
func OutboxDirectProcessing() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DIRECT_PROCESSING")))
	if val == "false" {
		return false
	}
	return true
}
