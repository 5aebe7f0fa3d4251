// Package automation is the rule engine layered over the record store:
// reactive rules driven by change events from the transactional outbox, and
// scheduled rules driven by cron.
//
// Delivery is at-least-once and unordered. Every rule therefore carries an
// idempotency guard (existence check, boolean latch, or value-equality), and
// every reactive dispatch is additionally wrapped in a durable idempotency
// key so redelivered events and crashed handlers replay safely. Rules never
// call each other; cross-record effects happen only through the store, where
// one rule's write may surface as another rule's change event.
package automation
