package enforcer

// PendingTransition is a candidate change to one record of a key that has not been committed.
type PendingTransition struct {
	Key  *Key
	Type RecordType
	Next State
}

// stateMask describes a combination of record states. Record types absent from the mask
// are not compared.
type stateMask map[RecordType]State

// view evaluates the states of a zone's keys. With pretend set, the pending transition is
// read as if it had already been committed.
type view struct {
	keys    []*Key
	deps    []*KeyDependency
	pending *PendingTransition
	pretend bool
}

func newView(zone *Zone, pending *PendingTransition) view {
	return view{
		keys:    zone.Keys,
		deps:    zone.Dependencies,
		pending: pending,
	}
}

func (v view) withPretend(pretend bool) view {
	v.pretend = pretend
	return v
}

func (v view) state(k *Key, t RecordType) State {
	if v.pretend && v.pending != nil && v.pending.Key == k && v.pending.Type == t {
		return v.pending.Next
	}
	return k.StateOf(t)
}

func (v view) sameAlgorithm(k *Key) bool {
	return v.pending != nil && v.pending.Key.Algorithm == k.Algorithm
}

func (v view) match(k *Key, sameAlgorithm bool, mask stateMask) bool {
	if sameAlgorithm && !v.sameAlgorithm(k) {
		return false
	}
	for t, want := range mask {
		if v.state(k, t) != want {
			return false
		}
	}
	return true
}

// exists reports whether any key matches the mask.
func (v view) exists(sameAlgorithm bool, mask stateMask) bool {
	for _, k := range v.keys {
		if v.match(k, sameAlgorithm, mask) {
			return true
		}
	}
	return false
}

//---

// isPotentialSuccessor reports whether candidate is ready to take over record type t from predecessor.
func (v view) isPotentialSuccessor(candidate, predecessor *Key, t RecordType) bool {
	if candidate == predecessor {
		return false
	}
	if v.state(candidate, t) != Rumoured {
		return false
	}
	if candidate.Algorithm != predecessor.Algorithm {
		return false
	}

	switch t {
	case DS, RRSIG:
		return v.state(candidate, DNSKEY) == Omnipresent
	case DNSKEY:
		// Either both DS's or both signatures must be omnipresent.
		return (v.state(predecessor, DS) == Omnipresent && v.state(candidate, DS) == Omnipresent) ||
			(v.state(predecessor, RRSIG) == Omnipresent && v.state(candidate, RRSIG) == Omnipresent)
	case RRSIGDNSKEY:
		return false
	}
	panic("unknown record type " + t.String())
}

// isSuccessor reports whether successor replaces predecessor for record type t, directly or
// through a chain of intermediate keys.
func (v view) isSuccessor(successor, predecessor *Key, t RecordType) bool {
	// Nothing may depend on our predecessor.
	for _, d := range v.deps {
		if d.Type == t && d.To == predecessor {
			return false
		}
	}
	visited := map[*Key]bool{predecessor: true, successor: true}
	return v.successorRec(successor, predecessor, t, visited)
}

func (v view) successorRec(successor, predecessor *Key, t RecordType, visited map[*Key]bool) bool {
	for _, d := range v.deps {
		if d.Type == t && d.From == predecessor && d.To == successor {
			return true
		}
	}

	// The pending transition would record the relationship itself.
	if v.pretend && v.pending != nil && v.pending.Key == predecessor && v.isPotentialSuccessor(successor, predecessor, t) {
		return true
	}

	// Indirect: X can be succeeded by S, X is in the same state as P, and X is a successor of P.
	for _, x := range v.keys {
		if visited[x] {
			continue
		}
		if !v.isPotentialSuccessor(successor, x, t) || !v.sameState(x, predecessor) {
			continue
		}
		visited[x] = true
		if v.successorRec(x, predecessor, t, visited) {
			return true
		}
	}

	return false
}

func (v view) sameState(a, b *Key) bool {
	return v.state(a, DS) == v.state(b, DS) &&
		v.state(a, DNSKEY) == v.state(b, DNSKEY) &&
		v.state(a, RRSIG) == v.state(b, RRSIG)
}

// existsWithSuccessor reports whether a key matching predecessorMask has a successor matching successorMask.
func (v view) existsWithSuccessor(sameAlgorithm bool, predecessorMask, successorMask stateMask, t RecordType) bool {
	for _, p := range v.keys {
		if !v.match(p, sameAlgorithm, predecessorMask) {
			continue
		}
		for _, s := range v.keys {
			if s == p || !v.match(s, sameAlgorithm, successorMask) {
				continue
			}
			if v.isSuccessor(s, p, t) {
				return true
			}
		}
	}
	return false
}

// unsignedOk reports whether every key of the pending key's algorithm that publishes
// record type t is otherwise in the state described by mask.
func (v view) unsignedOk(mask stateMask, t RecordType) bool {
	for _, k := range v.keys {
		if !v.sameAlgorithm(k) {
			continue
		}

		current := v.state(k, t)
		if current == Hidden || current == NA {
			continue
		}

		cmp := make(stateMask, len(mask))
		for mt, s := range mask {
			cmp[mt] = s
		}
		cmp[t] = current

		if !v.exists(true, cmp) {
			return false
		}
	}
	return true
}

//---

// isSuccessable reports whether a key leaving record type t can have successors recorded.
func isSuccessable(p *PendingTransition) bool {
	if p.Next != Unretentive {
		return false
	}
	switch p.Type {
	case DS, RRSIG:
		return p.Key.StateOf(DNSKEY) == Omnipresent
	case DNSKEY:
		return p.Key.StateOf(DS) == Omnipresent || p.Key.StateOf(RRSIG) == Omnipresent
	case RRSIGDNSKEY:
		return false
	}
	panic("unknown record type " + p.Type.String())
}

// markSuccessors maintains the dependencies of a key whose record has just transitioned.
func markSuccessors(tx *Tx, zone *Zone, p *PendingTransition) {
	if p.Next == Omnipresent {
		// The key no longer needs a successor for this record.
		kept := make([]*KeyDependency, 0, len(zone.Dependencies))
		for _, d := range zone.Dependencies {
			if d.From == p.Key && d.Type == p.Type {
				tx.MarkDependency(d, Delete)
				continue
			}
			kept = append(kept, d)
		}
		zone.Dependencies = kept
		return
	}

	if !isSuccessable(p) {
		return
	}

	v := newView(zone, p)
	for _, k := range zone.Keys {
		if !v.isPotentialSuccessor(k, p.Key, p.Type) || hasDependency(zone, p.Key, k, p.Type) {
			continue
		}
		d := &KeyDependency{From: p.Key, To: k, Type: p.Type}
		zone.Dependencies = append(zone.Dependencies, d)
		tx.MarkDependency(d, Insert)
	}
}

func hasDependency(zone *Zone, from, to *Key, t RecordType) bool {
	for _, d := range zone.Dependencies {
		if d.From == from && d.To == to && d.Type == t {
			return true
		}
	}
	return false
}
