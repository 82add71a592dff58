package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDesiredState(t *testing.T) {
	tests := []struct {
		introducing bool
		current     State
		expected    State
	}{
		{true, Hidden, Rumoured},
		{true, Rumoured, Omnipresent},
		{true, Omnipresent, Omnipresent},
		{true, Unretentive, Rumoured},
		{true, NA, NA},
		{false, Hidden, Hidden},
		{false, Rumoured, Unretentive},
		{false, Omnipresent, Unretentive},
		{false, Unretentive, Hidden},
		{false, NA, NA},
	}

	for _, tt := range tests {
		got := desiredState(tt.introducing, tt.current)
		if got != tt.expected {
			t.Errorf("desiredState(%v, %s): expected %s, got %s", tt.introducing, tt.current, tt.expected, got)
		}
	}
}

func TestInitialState(t *testing.T) {
	assert.Equal(t, Hidden, initialState(KSK, DS))
	assert.Equal(t, Hidden, initialState(KSK, DNSKEY))
	assert.Equal(t, Hidden, initialState(KSK, RRSIGDNSKEY))
	assert.Equal(t, NA, initialState(KSK, RRSIG))

	assert.Equal(t, NA, initialState(ZSK, DS))
	assert.Equal(t, Hidden, initialState(ZSK, DNSKEY))
	assert.Equal(t, NA, initialState(ZSK, RRSIGDNSKEY))
	assert.Equal(t, Hidden, initialState(ZSK, RRSIG))

	for _, rt := range RecordTypes {
		assert.Equal(t, Hidden, initialState(CSK, rt), rt.String())
	}
}

//---

func TestParseEnums(t *testing.T) {
	s, err := ParseState("omnipresent")
	assert.NoError(t, err)
	assert.Equal(t, Omnipresent, s)

	rt, err := ParseRecordType("RRSIGDNSKEY")
	assert.NoError(t, err)
	assert.Equal(t, RRSIGDNSKEY, rt)

	r, err := ParseRole("csk")
	assert.NoError(t, err)
	assert.Equal(t, CSK, r)
	assert.True(t, r.IsKSK())
	assert.True(t, r.IsZSK())

	d, err := ParseDsAtParent("seen")
	assert.NoError(t, err)
	assert.Equal(t, DsSeen, d)

	b, err := ParseBackupState("requested")
	assert.NoError(t, err)
	assert.True(t, b.Pending())

	h, err := ParseHsmKeyState("shared")
	assert.NoError(t, err)
	assert.Equal(t, HsmKeyShared, h)

	_, err = ParseState("gone")
	assert.ErrorIs(t, err, ErrUnknownValue)

	_, err = ParseRole("XSK")
	assert.ErrorIs(t, err, ErrUnknownValue)
}

func TestRoleApplies(t *testing.T) {
	assert.True(t, KSK.Applies(DS))
	assert.False(t, ZSK.Applies(DS))
	assert.True(t, ZSK.Applies(RRSIG))
	assert.False(t, KSK.Applies(RRSIG))
	assert.True(t, ZSK.Applies(DNSKEY))
	assert.False(t, Role(0).Valid())
	assert.Equal(t, "unknown", Role(4).String())
}
