package enforcer

import (
	"fmt"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockHSM mocks the HSM collaborator.
type MockHSM struct {
	mock.Mock
}

func (m *MockHSM) SharedKeys(policy *Policy, pk *PolicyKey) []*HsmKey {
	args := m.Called(policy, pk)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*HsmKey)
}

func (m *MockHSM) GenerateKey(policy *Policy, pk *PolicyKey) (*HsmKey, error) {
	args := m.Called(policy, pk)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*HsmKey), args.Error(1)
}

func (m *MockHSM) Keytag(locator string, algorithm uint8, ksk bool) (uint16, error) {
	args := m.Called(locator, algorithm, ksk)
	return args.Get(0).(uint16), args.Error(1)
}

func (m *MockHSM) ReleaseKey(h *HsmKey, key *Key) {
	m.Called(h, key)
}

//--------------------------------------------------------------------------

// fakeHSM hands out an endless supply of keys, numbering them as it goes.
type fakeHSM struct {
	generated int
	released  []*Key
	shared    []*HsmKey
	backup    BackupState
}

func (f *fakeHSM) SharedKeys(policy *Policy, pk *PolicyKey) []*HsmKey {
	return f.shared
}

func (f *fakeHSM) GenerateKey(policy *Policy, pk *PolicyKey) (*HsmKey, error) {
	f.generated++
	return &HsmKey{
		Locator:    fmt.Sprintf("locator-%d", f.generated),
		Repository: pk.Repository,
		Algorithm:  pk.Algorithm,
		Bits:       pk.Bits,
		Role:       pk.Role,
		Backup:     f.backup,
		State:      HsmKeyPrivate,
	}, nil
}

func (f *fakeHSM) Keytag(locator string, algorithm uint8, ksk bool) (uint16, error) {
	var n uint16
	fmt.Sscanf(locator, "locator-%d", &n)
	if ksk {
		n += 10000
	}
	return n, nil
}

func (f *fakeHSM) ReleaseKey(h *HsmKey, key *Key) {
	f.released = append(f.released, key)
}

//--------------------------------------------------------------------------

var testNow = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

const hour = time.Hour

// testPolicy has an hour for every TTL and no extra delays.
func testPolicy(keys ...*PolicyKey) *Policy {
	return &Policy{
		Name:                      "default",
		Keys:                      keys,
		KeysTTL:                   hour,
		ParentDsTTL:               hour,
		SignaturesMaxZoneTTL:      hour,
		SignaturesValidityDefault: 14 * 24 * hour,
		SignaturesValidityDenial:  14 * 24 * hour,
		SignaturesRefresh:         3 * 24 * hour,
		SignaturesResign:          2 * hour,
		SignaturesJitter:          12 * hour,
	}
}

func policyKey(role Role, lifetime time.Duration) *PolicyKey {
	return &PolicyKey{
		Role:       role,
		Algorithm:  13,
		Bits:       256,
		Repository: "SoftHSM",
		Lifetime:   lifetime,
	}
}

// testKey builds a key for the policy key slot with the given states, all last changed at changed.
func testKey(pk *PolicyKey, introducing bool, changed time.Time, states map[RecordType]State) *Key {
	key := &Key{
		ID: fmt.Sprintf("%s-%d", pk.Role, len(states)),
		HsmKey: &HsmKey{
			Locator:    "locator-" + pk.Role.String(),
			Repository: pk.Repository,
			Algorithm:  pk.Algorithm,
			Bits:       pk.Bits,
			Role:       pk.Role,
		},
		Algorithm:   pk.Algorithm,
		Role:        pk.Role,
		Inception:   changed,
		Introducing: introducing,
		States:      make(map[RecordType]*KeyState),
	}
	for _, t := range RecordTypes {
		s, ok := states[t]
		if !ok {
			s = initialState(pk.Role, t)
		}
		key.States[t] = &KeyState{Type: t, State: s, LastChange: changed, TTL: hour}
	}
	return key
}
