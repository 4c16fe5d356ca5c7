// Package policy implements the ordered chain of admission decisions the
// ingest coordinator consults before accepting an event or a query.
package policy

import (
	"nostr-archiver/internal/event"
)

// Decision is the outcome of running an event through the policy chain.
type Decision struct {
	Accepted bool
	Reason   string
}

// Accept is the canonical accepted decision.
var Accept = Decision{Accepted: true}

// Reject builds a rejection decision carrying a human-readable reason.
func Reject(reason string) Decision {
	return Decision{Accepted: false, Reason: reason}
}

// EventPolicy decides whether an event from peerAddr may be admitted.
type EventPolicy interface {
	AdmitEvent(ev event.Event, peerAddr string) Decision
}

// QueryPolicy decides whether a query from peerAddr may be admitted. The
// archive never serves queries; NoQuery is the only implementation.
type QueryPolicy interface {
	AdmitQuery(peerAddr string) Decision
}

// Chain runs a series of EventPolicy checks in order, stopping at the first
// rejection.
type Chain struct {
	policies []EventPolicy
}

// NewChain builds a policy chain from the given policies, evaluated in
// order.
func NewChain(policies ...EventPolicy) *Chain {
	return &Chain{policies: policies}
}

// AdmitEvent runs ev through every policy in order, returning the first
// rejection encountered, or Accept if all policies admit it.
func (c *Chain) AdmitEvent(ev event.Event, peerAddr string) Decision {
	for _, p := range c.policies {
		if d := p.AdmitEvent(ev, peerAddr); !d.Accepted {
			return d
		}
	}
	return Accept
}

// KindAllowlist admits only events whose kind is present in the configured
// set.
type KindAllowlist struct {
	kinds map[int64]struct{}
}

// NewKindAllowlist builds an allowlist from the given kinds.
func NewKindAllowlist(kinds []int64) *KindAllowlist {
	set := make(map[int64]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &KindAllowlist{kinds: set}
}

// AdmitEvent implements EventPolicy.
func (k *KindAllowlist) AdmitEvent(ev event.Event, _ string) Decision {
	if len(k.kinds) == 0 {
		return Accept
	}
	if _, ok := k.kinds[ev.Kind]; !ok {
		return Reject("Kind not accepted")
	}
	return Accept
}

// EphemeralBlock rejects events whose kind falls in the ephemeral range
// [20000, 30000), since the archive never persists them.
type EphemeralBlock struct{}

// AdmitEvent implements EventPolicy.
func (EphemeralBlock) AdmitEvent(ev event.Event, _ string) Decision {
	if ev.IsEphemeral() {
		return Reject("ephemeral kind not archived")
	}
	return Accept
}

// NoQuery rejects every query; the archive has no query engine.
type NoQuery struct{}

// AdmitQuery implements QueryPolicy.
func (NoQuery) AdmitQuery(_ string) Decision {
	return Reject("queries not allowed")
}
