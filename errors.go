package graftchat

import (
	"errors"
	"fmt"
)

// UnknownLeader is reported as a leader hint when no leader is known.
const UnknownLeader = -1

type ErrorKind int

const (
	KindOk ErrorKind = iota
	KindNotLeader
	KindStaleSequenceNumber
	KindDuplicateProposal
	KindConnectionFailure
	KindNoResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindOk:
		return "Ok"
	case KindNotLeader:
		return "NotLeader"
	case KindStaleSequenceNumber:
		return "StaleSequenceNumber"
	case KindDuplicateProposal:
		return "DuplicateProposalInFlight"
	case KindConnectionFailure:
		return "ConnectionFailure"
	case KindNoResponse:
		return "NoResponseWithinTimeout"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ProposalError is the failure result of the write path. Two ProposalErrors match under errors.Is
// when they have the same kind, so callers compare against the Err* sentinels below.
type ProposalError struct {
	Kind       ErrorKind
	LeaderHint int
	cause      error
}

func (e *ProposalError) Error() string {
	s := e.Kind.String()
	if e.Kind == KindNotLeader {
		s += fmt.Sprintf(" (leader=%d)", e.LeaderHint)
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *ProposalError) Is(target error) bool {
	t, ok := target.(*ProposalError)
	return ok && t.Kind == e.Kind
}

func (e *ProposalError) Unwrap() error {
	return e.cause
}

var (
	ErrNotLeader           = &ProposalError{Kind: KindNotLeader, LeaderHint: UnknownLeader}
	ErrStaleSequenceNumber = &ProposalError{Kind: KindStaleSequenceNumber, LeaderHint: UnknownLeader}
	ErrDuplicateProposal   = &ProposalError{Kind: KindDuplicateProposal, LeaderHint: UnknownLeader}
	ErrConnectionFailure   = &ProposalError{Kind: KindConnectionFailure, LeaderHint: UnknownLeader}
	ErrNoResponse          = &ProposalError{Kind: KindNoResponse, LeaderHint: UnknownLeader}

	ErrNotParticipant = errors.New("user is not a participant of the room")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotReady       = errors.New("server is not ready")
	ErrClosed         = errors.New("replica is closed")
	ErrInvalidRequest = errors.New("invalid request")
)

func notLeader(hint int) error {
	return &ProposalError{Kind: KindNotLeader, LeaderHint: hint}
}

func connectionFailure(cause error) error {
	return &ProposalError{Kind: KindConnectionFailure, LeaderHint: UnknownLeader, cause: cause}
}

func errorOfKind(kind ErrorKind, hint int) error {
	switch kind {
	case KindOk:
		return nil
	case KindNotLeader:
		return notLeader(hint)
	default:
		return &ProposalError{Kind: kind, LeaderHint: UnknownLeader}
	}
}

// KindOf returns the ErrorKind carried by err, KindOk for a nil error and false if err
// does not come from the write path.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return KindOk, true
	}
	var perr *ProposalError
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return KindOk, false
}

// LeaderHintOf returns the leader hint of a NotLeader error, or UnknownLeader.
func LeaderHintOf(err error) int {
	var perr *ProposalError
	if errors.As(err, &perr) && perr.Kind == KindNotLeader {
		return perr.LeaderHint
	}
	return UnknownLeader
}
