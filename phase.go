// lookahead/phase.go
// Completion phases and the pure transition function between them.
package lookahead

import "fmt"

// PhaseTag names the current top-level state of a controller.
type PhaseTag int

const (
	PhaseIdle PhaseTag = iota
	PhaseCommittingInputs
	PhaseSynchronous
	PhaseBackgroundComputing
	PhaseItemsReady
	PhasePostInsertZombie
)

func (t PhaseTag) String() string {
	switch t {
	case PhaseIdle:
		return "Idle"
	case PhaseCommittingInputs:
		return "CommittingInputs"
	case PhaseSynchronous:
		return "Synchronous"
	case PhaseBackgroundComputing:
		return "BackgroundComputing"
	case PhaseItemsReady:
		return "ItemsReady"
	case PhasePostInsertZombie:
		return "PostInsertZombie"
	default:
		return fmt.Sprintf("Phase(%d)", int(t))
	}
}

// ZombieReason says why a session lingers after it stopped showing items.
type ZombieReason int

const (
	ZombieNone ZombieReason = iota
	ZombieInsertedSingleItem
	ZombieNoSuggestions
)

func (r ZombieReason) String() string {
	switch r {
	case ZombieInsertedSingleItem:
		return "InsertedSingleItem"
	case ZombieNoSuggestions:
		return "NoSuggestions"
	default:
		return "None"
	}
}

// Phase is the tagged phase value. Session is nil only in Idle.
type Phase struct {
	Tag     PhaseTag
	Session *Session
	Reason  ZombieReason // Set for PhasePostInsertZombie.
}

func (p Phase) String() string {
	if p.Tag == PhasePostInsertZombie {
		return fmt.Sprintf("%s(%s)", p.Tag, p.Reason)
	}
	return p.Tag.String()
}

func idlePhase() Phase { return Phase{Tag: PhaseIdle} }

// phaseEventKind enumerates the inputs of the state machine.
type phaseEventKind int

const (
	evInvoke phaseEventKind = iota
	evInputsCommitted
	evSyncFinished
	evSyncTimeout
	evWorkerFinished
	evItemChosen
	evMutation
	evDismiss
)

func (k phaseEventKind) String() string {
	switch k {
	case evInvoke:
		return "invoke"
	case evInputsCommitted:
		return "inputsCommitted"
	case evSyncFinished:
		return "syncFinished"
	case evSyncTimeout:
		return "syncTimeout"
	case evWorkerFinished:
		return "workerFinished"
	case evItemChosen:
		return "itemChosen"
	case evMutation:
		return "mutation"
	case evDismiss:
		return "dismiss"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// phaseEvent is one input to transition. Only the fields meaningful for the kind are read.
type phaseEvent struct {
	kind        phaseEventKind
	session     *Session // New session for evInvoke.
	explicit    bool
	uncommitted bool // evInvoke: the surface holds uncommitted input.
	empty       bool // evSyncFinished, evWorkerFinished: no candidates.
	inserted    bool // evSyncFinished: a lone candidate was inserted.
}

// transition computes the phase that follows p on ev. It has no side effects;
// the controller disposes the outgoing session.
func transition(p Phase, ev phaseEvent) (Phase, error) {
	mismatch := func() (Phase, error) {
		return idlePhase(), fmt.Errorf("%w: %s not allowed in %s", ErrPhaseMismatch, ev.kind, p)
	}

	switch ev.kind {
	case evInvoke:
		if ev.session == nil {
			return mismatch()
		}
		switch {
		case ev.uncommitted:
			return Phase{Tag: PhaseCommittingInputs, Session: ev.session}, nil
		case ev.explicit:
			return Phase{Tag: PhaseSynchronous, Session: ev.session}, nil
		default:
			return Phase{Tag: PhaseBackgroundComputing, Session: ev.session}, nil
		}
	case evDismiss:
		return idlePhase(), nil
	}

	switch p.Tag {
	case PhaseCommittingInputs:
		if ev.kind == evInputsCommitted {
			return Phase{Tag: PhaseBackgroundComputing, Session: p.Session}, nil
		}
	case PhaseSynchronous:
		switch ev.kind {
		case evSyncTimeout:
			return Phase{Tag: PhaseBackgroundComputing, Session: p.Session}, nil
		case evSyncFinished:
			switch {
			case ev.inserted:
				return Phase{Tag: PhasePostInsertZombie, Session: p.Session, Reason: ZombieInsertedSingleItem}, nil
			case ev.empty && p.Session.Explicit:
				return Phase{Tag: PhasePostInsertZombie, Session: p.Session, Reason: ZombieNoSuggestions}, nil
			case ev.empty:
				return idlePhase(), nil
			default:
				return Phase{Tag: PhaseItemsReady, Session: p.Session}, nil
			}
		}
	case PhaseBackgroundComputing:
		if ev.kind == evWorkerFinished {
			switch {
			case ev.empty && p.Session.Explicit:
				return Phase{Tag: PhasePostInsertZombie, Session: p.Session, Reason: ZombieNoSuggestions}, nil
			case ev.empty:
				return idlePhase(), nil
			default:
				return Phase{Tag: PhaseItemsReady, Session: p.Session}, nil
			}
		}
	case PhaseItemsReady:
		if ev.kind == evItemChosen {
			return idlePhase(), nil
		}
	case PhasePostInsertZombie:
		if ev.kind == evMutation {
			return idlePhase(), nil
		}
	}
	return mismatch()
}
