// Package consensus implements quorum-based group agreement over proposed
// operations. Each proposal freezes the voter population at creation time
// and supports simple-majority, super-majority, unanimous, and Byzantine
// quorum rules; deadlines are advisory and evaluated lazily on status
// queries.
package consensus
