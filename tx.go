package enforcer

// Operation is the pending persistence action for an object.
type Operation uint8

const (
	Clean Operation = iota
	Insert
	Update
	Delete
)

func (o Operation) String() string {
	switch o {
	case Clean:
		return "clean"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// dirtySet records the pending operation per object, in first-marked order.
type dirtySet[T any] struct {
	ops   map[*T]Operation
	order []*T
}

func (d *dirtySet[T]) mark(obj *T, op Operation) {
	if obj == nil || op == Clean {
		return
	}
	if d.ops == nil {
		d.ops = make(map[*T]Operation)
	}

	current, seen := d.ops[obj]
	if !seen {
		d.ops[obj] = op
		d.order = append(d.order, obj)
		return
	}

	switch {
	case current == Clean:
		// Inserted and deleted within this pass.
	case current == Insert && op == Delete:
		// Never persisted, so there's nothing to delete.
		d.ops[obj] = Clean
	case current == Insert && op == Update:
		// Still an insert.
	case current == Delete && op != Delete:
		// A deleted object cannot come back within the same pass.
	default:
		d.ops[obj] = op
	}
}

func (d *dirtySet[T]) get(obj *T) Operation {
	return d.ops[obj]
}

func (d *dirtySet[T]) each(fn func(*T, Operation)) {
	for _, obj := range d.order {
		if op := d.ops[obj]; op != Clean {
			fn(obj, op)
		}
	}
}

func (d *dirtySet[T]) count() int {
	n := 0
	for _, op := range d.ops {
		if op != Clean {
			n++
		}
	}
	return n
}

//---

// Tx collects the objects a pass has changed. The enforcer never writes to storage; the
// caller commits exactly the dirty subset once the whole pass has completed, or discards it.
type Tx struct {
	zones        dirtySet[Zone]
	keys         dirtySet[Key]
	keyStates    dirtySet[KeyState]
	dependencies dirtySet[KeyDependency]
	hsmKeys      dirtySet[HsmKey]

	// owners maps key states back to their key, so a committer can address them.
	owners map[*KeyState]*Key
}

func NewTx() *Tx {
	return &Tx{owners: make(map[*KeyState]*Key)}
}

func (tx *Tx) MarkZone(z *Zone, op Operation) {
	tx.zones.mark(z, op)
}

func (tx *Tx) MarkKey(k *Key, op Operation) {
	tx.keys.mark(k, op)
}

func (tx *Tx) MarkKeyState(k *Key, s *KeyState, op Operation) {
	if tx.owners == nil {
		tx.owners = make(map[*KeyState]*Key)
	}
	tx.owners[s] = k
	tx.keyStates.mark(s, op)
}

func (tx *Tx) MarkDependency(d *KeyDependency, op Operation) {
	tx.dependencies.mark(d, op)
}

func (tx *Tx) MarkHsmKey(h *HsmKey, op Operation) {
	tx.hsmKeys.mark(h, op)
}

func (tx *Tx) ZoneOp(z *Zone) Operation {
	return tx.zones.get(z)
}

func (tx *Tx) KeyOp(k *Key) Operation {
	return tx.keys.get(k)
}

func (tx *Tx) KeyStateOp(s *KeyState) Operation {
	return tx.keyStates.get(s)
}

func (tx *Tx) DependencyOp(d *KeyDependency) Operation {
	return tx.dependencies.get(d)
}

func (tx *Tx) HsmKeyOp(h *HsmKey) Operation {
	return tx.hsmKeys.get(h)
}

func (tx *Tx) EachZone(fn func(*Zone, Operation)) {
	tx.zones.each(fn)
}

func (tx *Tx) EachKey(fn func(*Key, Operation)) {
	tx.keys.each(fn)
}

func (tx *Tx) EachKeyState(fn func(*Key, *KeyState, Operation)) {
	tx.keyStates.each(func(s *KeyState, op Operation) {
		fn(tx.owners[s], s, op)
	})
}

func (tx *Tx) EachDependency(fn func(*KeyDependency, Operation)) {
	tx.dependencies.each(fn)
}

func (tx *Tx) EachHsmKey(fn func(*HsmKey, Operation)) {
	tx.hsmKeys.each(fn)
}

// Dirty reports the total number of objects with a pending operation.
func (tx *Tx) Dirty() int {
	return tx.zones.count() + tx.keys.count() + tx.keyStates.count() + tx.dependencies.count() + tx.hsmKeys.count()
}
