// Package registry maintains the concurrent directory of known agents:
// advertised capability tags, live health/latency/reliability metrics, and
// concurrency load accounting. State is striped across shards so reads and
// writes on unrelated agents never contend on a lock.
package registry
