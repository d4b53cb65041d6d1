package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/user/crowdwatch/internal/types"
)

type fakeAcker struct {
	acked, termed bool
	nakDelay      time.Duration
	naked         bool
}

func (f *fakeAcker) Ack() error { f.acked = true; return nil }
func (f *fakeAcker) NakWithDelay(d time.Duration) error {
	f.naked, f.nakDelay = true, d
	return nil
}
func (f *fakeAcker) Term() error { f.termed = true; return nil }

func TestSettle(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name    string
		err     error
		attempt int
		want    Outcome
	}{
		{"success acks", nil, 1, Acked},
		{"transient naks", types.Transient("store get", errors.New("busy")), 2, Redelivered},
		{"validation terms", &types.ValidationError{Field: "status"}, 1, Terminated},
		{"not found terms", &types.NotFoundError{Collection: "zones", ID: "z"}, 1, Terminated},
		{"exhausted terms", errors.New("timeout"), 5, Terminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAcker{}
			got, err := settle(a, tt.err, tt.attempt, policy)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want == Acked, a.acked)
			assert.Equal(t, tt.want == Redelivered, a.naked)
			assert.Equal(t, tt.want == Terminated, a.termed)
		})
	}

	a := &fakeAcker{}
	_, _ = settle(a, errors.New("timeout"), 2, policy)
	assert.Equal(t, 2*time.Second, a.nakDelay)
}
