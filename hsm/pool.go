package hsm

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nsmithuk/enforcer"
)

var (
	_ enforcer.HSM     = (*Pool)(nil)
	_ enforcer.Settler = (*Pool)(nil)
)

// Pool is a key factory backed by in-process key generation. It hands out copies of its
// records, so callers may modify what they receive without holding the pool's lock.
//
// A generated key is pending until the pass that asked for it is settled. Pending keys count
// towards capacity but are never shared, and are dropped if their pass is not committed.
// Likewise a release only takes effect in the pool once committed.
type Pool struct {
	// Capacity is the number of live keys each repository may hold. Zero means unlimited.
	Capacity int

	// RequireBackup marks new keys as needing a backup before they may be fully trusted.
	RequireBackup bool

	// InUse reports whether any key, other than the one with the given ID, still references
	// the locator. When nil, a released key is never considered in use.
	InUse func(locator, exceptKeyID string) bool

	generate Generator
	now      func() time.Time

	lock    sync.Mutex
	keys    map[string]*enforcer.HsmKey
	pending map[string]bool
}

func NewPool(generate Generator) *Pool {
	if generate == nil {
		generate = DNSKEYGenerator
	}
	return &Pool{
		Capacity: DefaultCapacity,
		generate: generate,
		now:      time.Now,
		keys:     make(map[string]*enforcer.HsmKey),
		pending:  make(map[string]bool),
	}
}

// Add registers keys that already exist, typically loaded from storage.
func (p *Pool) Add(keys ...*enforcer.HsmKey) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, h := range keys {
		c := *h
		p.keys[h.Locator] = &c
	}
}

// Reset forgets every key, pending ones included, and registers keys in their place.
func (p *Pool) Reset(keys ...*enforcer.HsmKey) {
	p.lock.Lock()
	clear(p.keys)
	clear(p.pending)
	p.lock.Unlock()
	p.Add(keys...)
}

// Keys returns a copy of every key in the pool, ordered by locator.
func (p *Pool) Keys() []*enforcer.HsmKey {
	p.lock.Lock()
	defer p.lock.Unlock()

	result := make([]*enforcer.HsmKey, 0, len(p.keys))
	for _, h := range p.keys {
		c := *h
		result = append(result, &c)
	}
	slices.SortFunc(result, func(a, b *enforcer.HsmKey) int {
		return strings.Compare(a.Locator, b.Locator)
	})
	return result
}

// Update records changes made to a copy handed out earlier, such as a completed backup.
func (p *Pool) Update(h *enforcer.HsmKey) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.keys[h.Locator]; ok {
		c := *h
		p.keys[h.Locator] = &c
	}
}

//---

func matches(h *enforcer.HsmKey, pk *enforcer.PolicyKey) bool {
	return h.Algorithm == pk.Algorithm &&
		h.Bits == pk.Bits &&
		h.Repository == pk.Repository &&
		h.Role == pk.Role
}

// SharedKeys lists the shared keys matching the policy key, newest first.
func (p *Pool) SharedKeys(policy *enforcer.Policy, pk *enforcer.PolicyKey) []*enforcer.HsmKey {
	p.lock.Lock()
	defer p.lock.Unlock()

	var result []*enforcer.HsmKey
	for _, h := range p.keys {
		if h.State != enforcer.HsmKeyShared || p.pending[h.Locator] || !matches(h, pk) {
			continue
		}
		c := *h
		result = append(result, &c)
	}

	slices.SortFunc(result, func(a, b *enforcer.HsmKey) int {
		return b.Inception.Compare(a.Inception)
	})
	return result
}

// GenerateKey creates a new key for the policy key. It fails with enforcer.ErrNoKeysAvailable
// once the repository is full.
func (p *Pool) GenerateKey(policy *enforcer.Policy, pk *enforcer.PolicyKey) (*enforcer.HsmKey, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.Capacity > 0 && p.live(pk.Repository) >= p.Capacity {
		Warn(fmt.Sprintf("repository [%s] is full with %d keys", pk.Repository, p.Capacity))
		return nil, fmt.Errorf("%w in repository [%s]", enforcer.ErrNoKeysAvailable, pk.Repository)
	}

	public, err := p.generate(pk.Algorithm, pk.Bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", enforcer.ErrNoKeysAvailable, err)
	}

	locator, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", enforcer.ErrNoKeysAvailable, err)
	}

	h := &enforcer.HsmKey{
		Locator:    locator.String(),
		Repository: pk.Repository,
		Algorithm:  pk.Algorithm,
		Bits:       pk.Bits,
		Role:       pk.Role,
		Inception:  p.now(),
		Backup:     enforcer.BackupNotRequired,
		State:      enforcer.HsmKeyPrivate,
		PublicKey:  public,
	}
	if p.RequireBackup {
		h.Backup = enforcer.BackupRequired
	}
	if policy != nil && policy.KeysShared {
		h.State = enforcer.HsmKeyShared
	}

	p.keys[h.Locator] = h
	p.pending[h.Locator] = true
	Debug(fmt.Sprintf("generated %s key [%s] in repository [%s]", pk.Role, h.Locator, h.Repository))

	c := *h
	return &c, nil
}

func (p *Pool) live(repository string) int {
	n := 0
	for _, h := range p.keys {
		if h.Repository == repository && h.State != enforcer.HsmKeyDelete {
			n++
		}
	}
	return n
}

func (p *Pool) Keytag(locator string, algorithm uint8, ksk bool) (uint16, error) {
	p.lock.Lock()
	h, ok := p.keys[locator]
	var public string
	if ok {
		public = h.PublicKey
	}
	p.lock.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: no key with locator [%s]", enforcer.ErrKeytagFailed, locator)
	}

	tag, err := KeyTag(algorithm, ksk, public)
	if err != nil {
		return 0, fmt.Errorf("%w for [%s]: %w", enforcer.ErrKeytagFailed, locator, err)
	}
	return tag, nil
}

// ReleaseKey drops the reference key holds on h. Once nothing references it, h is marked for
// deletion; the pool follows once the change is committed. A pending key is dropped at once.
func (p *Pool) ReleaseKey(h *enforcer.HsmKey, key *enforcer.Key) {
	if h == nil {
		return
	}

	p.lock.Lock()
	pending := p.pending[h.Locator]
	if pending {
		delete(p.pending, h.Locator)
		delete(p.keys, h.Locator)
	}
	p.lock.Unlock()

	if pending {
		Debug(fmt.Sprintf("key [%s] was never stored, discarding it", h.Locator))
		return
	}

	keyID := ""
	if key != nil {
		keyID = key.ID
	}
	if p.InUse != nil && p.InUse(h.Locator, keyID) {
		Debug(fmt.Sprintf("key [%s] is still in use", h.Locator))
		return
	}

	h.State = enforcer.HsmKeyDelete
	Info(fmt.Sprintf("key [%s] is no longer used and can be deleted", h.Locator))
}

// Settle applies the key changes recorded on tx once it has been committed. If it was discarded
// instead, any key generated for it is dropped and the pool keeps its previous view.
func (p *Pool) Settle(tx *enforcer.Tx, committed bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	tx.EachHsmKey(func(h *enforcer.HsmKey, op enforcer.Operation) {
		if _, ok := p.keys[h.Locator]; !ok {
			return
		}
		if !committed {
			if p.pending[h.Locator] {
				delete(p.pending, h.Locator)
				delete(p.keys, h.Locator)
				Debug(fmt.Sprintf("pass not stored, discarding key [%s]", h.Locator))
			}
			return
		}
		delete(p.pending, h.Locator)
		c := *h
		p.keys[h.Locator] = &c
	})
}
