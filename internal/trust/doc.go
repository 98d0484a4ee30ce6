// Package trust maintains the decentralized reputation graph: Bayesian
// per-agent scores learned from observed execution outcomes, confidence
// bounds for gating decisions, lazy staleness decay, and append-only trust
// edges supporting bounded-depth transitive trust queries.
package trust
