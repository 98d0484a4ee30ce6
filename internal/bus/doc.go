// Package bus implements the in-process coordination event bus: typed
// events with priorities, bounded ring history, per-type filtered
// subscriptions, and optional relays that mirror events to Redis or
// RabbitMQ for out-of-process collaborators.
package bus
