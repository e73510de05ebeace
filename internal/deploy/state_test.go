package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateFetched, true},
		{StatePending, StateFailed, true},
		{StatePending, StatePushed, false},
		{StateFetched, StateCompared, true},
		{StateCompared, StateAborted, true},
		{StateCompared, StatePushed, false},
		{StateAuthorized, StatePushed, true},
		{StateAuthorized, StatePersisted, true},
		{StatePushed, StatePersisted, true},
		{StatePushed, StateFailed, true},
		{StatePersisted, StateFailed, false},
		{StateAborted, StateAuthorized, false},
		{StateFailed, StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			cur := tt.from
			err := transition(&cur, tt.to)
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, cur)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.from, cur)
		})
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range []State{StatePersisted, StateAborted, StateFailed} {
		assert.True(t, s.IsTerminal(), s.String())
	}
	for _, s := range []State{StatePending, StateFetched, StateCompared, StateAuthorized, StatePushed} {
		assert.False(t, s.IsTerminal(), s.String())
	}
}
