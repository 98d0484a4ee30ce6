// Package broker routes commands to the best-fit agent. Routing strategies
// form a closed set with a deterministic id tie-break; a successful route
// atomically claims a concurrency slot on the chosen agent and returns a
// session handle whose completion report feeds the trust network.
package broker
