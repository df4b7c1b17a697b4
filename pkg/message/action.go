package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryandielhenn/avanet/pkg/lamport"
)

// ActionType is the step of the mutual-exclusion protocol an action carries.
type ActionType string

const (
	ActionStart        ActionType = "start"
	ActionRequest      ActionType = "request"
	ActionConfirmation ActionType = "confirmation"
	ActionRelease      ActionType = "release"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionStart, ActionRequest, ActionConfirmation, ActionRelease:
		return true
	}
	return false
}

var ErrInvalidAction = errors.New("invalid mutex action")

// MutexAction is the ApplicationData payload of the mutual-exclusion
// protocol. Timestamp and LamportTimestamp identify the request the action
// refers to; Clock is the sender's Lamport clock when it sent the action.
type MutexAction struct {
	Type             ActionType        `json:"type"`
	Timestamp        float64           `json:"timestamp"`
	LamportTimestamp lamport.Timestamp `json:"lamportTimestamp"`
	Clock            lamport.Timestamp `json:"clock"`
}

type wireAction struct {
	Type             *ActionType        `json:"type"`
	Timestamp        *float64           `json:"timestamp"`
	LamportTimestamp *lamport.Timestamp `json:"lamportTimestamp"`
	Clock            *lamport.Timestamp `json:"clock"`
}

func (a *MutexAction) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	switch {
	case w.Type == nil:
		return fmt.Errorf("%w: missing type", ErrInvalidAction)
	case !w.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, *w.Type)
	case w.Timestamp == nil:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidAction)
	case w.LamportTimestamp == nil:
		return fmt.Errorf("%w: missing lamportTimestamp", ErrInvalidAction)
	}
	*a = MutexAction{Type: *w.Type, Timestamp: *w.Timestamp, LamportTimestamp: *w.LamportTimestamp}
	// clock is optional; a sender that omits it is treated as carrying the request's stamp
	if w.Clock != nil {
		a.Clock = *w.Clock
	} else {
		a.Clock = a.LamportTimestamp
	}
	return nil
}

// NewAction wraps a into an ApplicationData message from sender.
func NewAction(sender string, a MutexAction) (Message, error) {
	if !a.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return New(ApplicationData, sender, a)
}

// DecodeAction extracts a MutexAction from an ApplicationData message.
func DecodeAction(m Message) (MutexAction, error) {
	if m.Type != ApplicationData {
		return MutexAction{}, fmt.Errorf("%w: carried by %s message", ErrInvalidAction, m.Type)
	}
	if len(m.Payload) == 0 {
		return MutexAction{}, fmt.Errorf("%w: empty payload", ErrInvalidAction)
	}
	var a MutexAction
	if err := json.Unmarshal(m.Payload, &a); err != nil {
		if errors.Is(err, ErrInvalidAction) {
			return MutexAction{}, err
		}
		return MutexAction{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return a, nil
}
