package enforcer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDsTransitions(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(*Tx, *Key) error
		from     DsAtParent
		expected DsAtParent
		ok       bool
	}{
		{"submitted", MarkDsSubmitted, DsSubmit, DsSubmitted, true},
		{"submitted twice", MarkDsSubmitted, DsSubmitted, DsSubmitted, false},
		{"seen from submit", MarkDsSeen, DsSubmit, DsSeen, true},
		{"seen from submitted", MarkDsSeen, DsSubmitted, DsSeen, true},
		{"seen unsubmitted", MarkDsSeen, DsUnsubmitted, DsUnsubmitted, false},
		{"retracted", MarkDsRetracted, DsRetract, DsRetracted, true},
		{"retracted while seen", MarkDsRetracted, DsSeen, DsSeen, false},
		{"gone from retract", MarkDsGone, DsRetract, DsUnsubmitted, true},
		{"gone from retracted", MarkDsGone, DsRetracted, DsUnsubmitted, true},
		{"gone while seen", MarkDsGone, DsSeen, DsSeen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := &Key{Keytag: 12345, DsAtParent: tt.from}
			tx := NewTx()

			err := tt.fn(tx, key)
			assert.Equal(t, tt.expected, key.DsAtParent)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, Update, tx.KeyOp(key))
			} else {
				assert.ErrorIs(t, err, ErrInvalidDsTransition)
				assert.Equal(t, Clean, tx.KeyOp(key))
			}
		})
	}

	assert.ErrorIs(t, MarkDsSeen(NewTx(), nil), ErrInvalidDsTransition)
}
