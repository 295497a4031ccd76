// Package selection arbitrates among ranked alternative implementations
// (model loaders, explanation methods) consistently and loudly.
//
// The candidate list is plain data supplied by the caller in preference
// order; selection walks it front to back and picks the first available
// candidate (INVARIANT.md INV-6). There is no registry, no dynamic
// dispatch, and no dependence on module import order or map iteration.
//
// Candidates sharing a priority are distinguished by list position alone:
// first in list wins.
package selection

import (
	"fmt"
	"strings"
)

// Candidate is one selectable alternative.
type Candidate struct {
	// Name is the candidate's unique identifier within one selection,
	// e.g. "treeshap", "kernelshap", "coefficients".
	Name string

	// Priority ranks the candidate (lower preferred). It is recorded in
	// selection results for provenance; ordering authority stays with the
	// list itself.
	Priority int

	// Probe reports availability. nil return means available; a non-nil
	// error is the reason the candidate cannot be used. Probes must be
	// side-effect-free.
	Probe func() error
}

// Result records the outcome of one selection for the provenance manifest.
type Result struct {
	Chosen       string `json:"chosen_name"`
	FallbackUsed bool   `json:"fallback_used"`
	Reason       string `json:"reason"`
}

// UnavailableError is returned when strict selection cannot use the
// preferred candidate. It enumerates every candidate tried and why each
// failed; Fallback, when non-empty, names a viable candidate that strict
// mode refused to fall back to silently.
type UnavailableError struct {
	Tried    []Attempt
	Fallback string
}

// Attempt records one probed candidate and its failure.
type Attempt struct {
	Name   string
	Reason string
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	b.WriteString("selection: no viable candidate in strict mode:")
	for _, a := range e.Tried {
		fmt.Fprintf(&b, "\n  %s: %s", a.Name, a.Reason)
	}
	if e.Fallback != "" {
		fmt.Fprintf(&b, "\n  %s is available; rerun without strict mode to accept the fallback, or satisfy a preferred candidate", e.Fallback)
	}
	return b.String()
}

// Selector picks among an ordered candidate list.
type Selector struct {
	candidates []Candidate
}

// New validates the candidate list and returns a Selector. An empty list
// or duplicate names fail here, not at selection time (INV-8): a broken
// list is caller misuse, and the message states the exact fix.
func New(candidates []Candidate) (*Selector, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("selection: candidate list is empty; supply at least one candidate")
	}
	seen := make(map[string]bool, len(candidates))
	for i, c := range candidates {
		if c.Name == "" {
			return nil, fmt.Errorf("selection: candidate %d has no name; give every candidate a unique name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("selection: duplicate candidate name %q; names must be unique within one selection", c.Name)
		}
		seen[c.Name] = true
	}
	cp := make([]Candidate, len(candidates))
	copy(cp, candidates)
	return &Selector{candidates: cp}, nil
}

// Select walks the candidates in list order and returns the first whose
// probe succeeds.
//
// Non-strict: if the winner is not the first candidate, FallbackUsed is
// true and Reason names the preferred-but-unavailable candidate.
//
// Strict: fails loudly instead of falling back silently. Any deviation
// from the first candidate — fallback or total unavailability — is an
// *UnavailableError listing every candidate tried and how to satisfy it.
func (s *Selector) Select(strict bool) (Result, error) {
	var tried []Attempt

	for i, c := range s.candidates {
		reason := probe(c)
		if reason != "" {
			tried = append(tried, Attempt{Name: c.Name, Reason: reason})
			continue
		}

		if i == 0 {
			return Result{Chosen: c.Name, Reason: fmt.Sprintf("%s available (first choice)", c.Name)}, nil
		}
		if strict {
			return Result{}, &UnavailableError{Tried: tried, Fallback: c.Name}
		}
		return Result{
			Chosen:       c.Name,
			FallbackUsed: true,
			Reason:       fmt.Sprintf("%s unavailable (%s); fell back to %s", tried[0].Name, tried[0].Reason, c.Name),
		}, nil
	}

	return Result{}, &UnavailableError{Tried: tried}
}

// probe runs a candidate's availability probe, converting any panic into
// an "unavailable" reason so one faulty candidate cannot abort the whole
// selection (INV-7). Returns "" when available.
func probe(c Candidate) (reason string) {
	if c.Probe == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprintf("probe panicked: %v", r)
		}
	}()
	if err := c.Probe(); err != nil {
		return err.Error()
	}
	return ""
}
