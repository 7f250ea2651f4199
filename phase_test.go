// lookahead/phase_test.go
package lookahead

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	explicit := newSession(context.Background(), DefaultConfig(), sessionOptions{Explicit: true}, testLogger(t))
	auto := newSession(context.Background(), DefaultConfig(), sessionOptions{}, testLogger(t))
	t.Cleanup(explicit.Dispose)
	t.Cleanup(auto.Dispose)

	tests := []struct {
		name    string
		from    Phase
		ev      phaseEvent
		want    PhaseTag
		reason  ZombieReason
		wantErr bool
	}{
		{name: "explicit invoke runs synchronously", from: idlePhase(), ev: phaseEvent{kind: evInvoke, session: explicit, explicit: true}, want: PhaseSynchronous},
		{name: "auto invoke computes in background", from: idlePhase(), ev: phaseEvent{kind: evInvoke, session: auto}, want: PhaseBackgroundComputing},
		{name: "uncommitted input commits first", from: idlePhase(), ev: phaseEvent{kind: evInvoke, session: explicit, explicit: true, uncommitted: true}, want: PhaseCommittingInputs},
		{name: "newer invocation replaces committing", from: Phase{Tag: PhaseCommittingInputs, Session: auto}, ev: phaseEvent{kind: evInvoke, session: explicit, explicit: true}, want: PhaseSynchronous},
		{name: "invoke without session", from: idlePhase(), ev: phaseEvent{kind: evInvoke}, wantErr: true},
		{name: "inputs committed", from: Phase{Tag: PhaseCommittingInputs, Session: auto}, ev: phaseEvent{kind: evInputsCommitted}, want: PhaseBackgroundComputing},
		{name: "sync timeout moves to background", from: Phase{Tag: PhaseSynchronous, Session: explicit}, ev: phaseEvent{kind: evSyncTimeout}, want: PhaseBackgroundComputing},
		{name: "sync finished with items", from: Phase{Tag: PhaseSynchronous, Session: explicit}, ev: phaseEvent{kind: evSyncFinished}, want: PhaseItemsReady},
		{name: "sync finished with insertion", from: Phase{Tag: PhaseSynchronous, Session: explicit}, ev: phaseEvent{kind: evSyncFinished, inserted: true}, want: PhasePostInsertZombie, reason: ZombieInsertedSingleItem},
		{name: "explicit sync finished empty", from: Phase{Tag: PhaseSynchronous, Session: explicit}, ev: phaseEvent{kind: evSyncFinished, empty: true}, want: PhasePostInsertZombie, reason: ZombieNoSuggestions},
		{name: "auto sync finished empty", from: Phase{Tag: PhaseSynchronous, Session: auto}, ev: phaseEvent{kind: evSyncFinished, empty: true}, want: PhaseIdle},
		{name: "worker finished with items", from: Phase{Tag: PhaseBackgroundComputing, Session: auto}, ev: phaseEvent{kind: evWorkerFinished}, want: PhaseItemsReady},
		{name: "explicit worker finished empty", from: Phase{Tag: PhaseBackgroundComputing, Session: explicit}, ev: phaseEvent{kind: evWorkerFinished, empty: true}, want: PhasePostInsertZombie, reason: ZombieNoSuggestions},
		{name: "auto worker finished empty", from: Phase{Tag: PhaseBackgroundComputing, Session: auto}, ev: phaseEvent{kind: evWorkerFinished, empty: true}, want: PhaseIdle},
		{name: "item chosen", from: Phase{Tag: PhaseItemsReady, Session: auto}, ev: phaseEvent{kind: evItemChosen}, want: PhaseIdle},
		{name: "mutation ends zombie", from: Phase{Tag: PhasePostInsertZombie, Session: explicit, Reason: ZombieInsertedSingleItem}, ev: phaseEvent{kind: evMutation}, want: PhaseIdle},
		{name: "dismiss from anywhere", from: Phase{Tag: PhaseBackgroundComputing, Session: auto}, ev: phaseEvent{kind: evDismiss}, want: PhaseIdle},
		{name: "choose while idle", from: idlePhase(), ev: phaseEvent{kind: evItemChosen}, wantErr: true},
		{name: "worker finished while items ready", from: Phase{Tag: PhaseItemsReady, Session: auto}, ev: phaseEvent{kind: evWorkerFinished}, wantErr: true},
		{name: "sync timeout in background", from: Phase{Tag: PhaseBackgroundComputing, Session: auto}, ev: phaseEvent{kind: evSyncTimeout}, wantErr: true},
		{name: "mutation while items ready", from: Phase{Tag: PhaseItemsReady, Session: auto}, ev: phaseEvent{kind: evMutation}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := transition(tt.from, tt.ev)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrPhaseMismatch)
				assert.Equal(t, PhaseIdle, got.Tag, "violations force Idle")
				assert.Nil(t, got.Session)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Tag)
			assert.Equal(t, tt.reason, got.Reason)
			if tt.want == PhaseIdle {
				assert.Nil(t, got.Session)
			} else {
				assert.NotNil(t, got.Session)
			}
		})
	}
}

func TestTransition_KeepsSession(t *testing.T) {
	s := newSession(context.Background(), DefaultConfig(), sessionOptions{Explicit: true}, testLogger(t))
	t.Cleanup(s.Dispose)

	p, err := transition(idlePhase(), phaseEvent{kind: evInvoke, session: s, explicit: true})
	require.NoError(t, err)
	p, err = transition(p, phaseEvent{kind: evSyncTimeout})
	require.NoError(t, err)
	p, err = transition(p, phaseEvent{kind: evWorkerFinished})
	require.NoError(t, err)
	assert.Same(t, s, p.Session)
	assert.Equal(t, "ItemsReady", p.String())
	assert.False(t, s.IsDisposed(), "transition has no side effects")
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "PostInsertZombie(NoSuggestions)", Phase{Tag: PhasePostInsertZombie, Reason: ZombieNoSuggestions}.String())
	assert.Equal(t, "Idle", idlePhase().String())
	assert.Equal(t, "Phase(42)", PhaseTag(42).String())
	assert.Equal(t, "syncTimeout", evSyncTimeout.String())
}
