package graftchat

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestAcceptProposalRules(t *testing.T) {
	config := testConfig(t, 3, 1)
	clock := config.Clock.(*fakeClock)
	r := newTestReplica(t, config)

	assert.NilError(t, r.acceptProposal(acceptRequest{Slot: 1, Origin: 1, Leader: 0}))
	// Same origin may retry its proposal.
	assert.NilError(t, r.acceptProposal(acceptRequest{Slot: 1, Origin: 1, Leader: 0}))
	assert.ErrorIs(t, r.acceptProposal(acceptRequest{Slot: 1, Origin: 2, Leader: 0}), ErrDuplicateProposal)

	err := r.acceptProposal(acceptRequest{Slot: 2, Origin: 2, Leader: 2})
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Equal(t, LeaderHintOf(err), 0)

	// Proposals expire.
	clock.Advance(config.WithDefaults().PendingProposalTtl)
	assert.NilError(t, r.acceptProposal(acceptRequest{Slot: 1, Origin: 2, Leader: 0}))

	_, err = r.replay([]LogEntry{{Origin: 2, Seq: 1, Op: Join{User: "carol", Room: "r", Timestamp: t0}}})
	assert.NilError(t, err)
	assert.ErrorIs(t, r.acceptProposal(acceptRequest{Slot: 1, Origin: 0, Leader: 0}), ErrStaleSequenceNumber)
}

func TestMergePendingProposals(t *testing.T) {
	config := testConfig(t, 3, 1)
	r := newTestReplica(t, config)
	ttl := config.WithDefaults().PendingProposalTtl

	r.mergePendingProposals(map[int64]PendingProposal{
		1: {ProposedAt: t0, Origin: 2},
		2: {ProposedAt: t0.Add(-ttl), Origin: 2},
	})
	pending := r.pendingProposals()
	assert.DeepEqual(t, pending, map[int64]PendingProposal{1: {ProposedAt: t0, Origin: 2}})

	// A merged proposal blocks other origins like a local one.
	assert.ErrorIs(t, r.acceptProposal(acceptRequest{Slot: 1, Origin: 0, Leader: 0}), ErrDuplicateProposal)
}

func TestAwaitMajority(t *testing.T) {
	newResults := func(errs ...error) <-chan peerResult[struct{}] {
		ch := make(chan peerResult[struct{}], len(errs))
		for i, err := range errs {
			ch <- peerResult[struct{}]{peer: i + 1, err: err}
		}
		return ch
	}

	config := testConfig(t, 5, 0)
	config.ProposalTimeout = 50 * time.Millisecond
	r := newTestReplica(t, config)

	assert.NilError(t, r.awaitMajority(newResults(nil, ErrStaleSequenceNumber, nil), 4))
	assert.ErrorIs(t, r.awaitMajority(newResults(ErrStaleSequenceNumber, ErrStaleSequenceNumber, nil, ErrStaleSequenceNumber), 4), ErrStaleSequenceNumber)

	err := r.awaitMajority(newResults(notLeader(3), notLeader(3), connectionFailure(errors.New("down"))), 4)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Equal(t, LeaderHintOf(err), 3)

	// Two silent peers leave the outcome open until the timeout.
	assert.ErrorIs(t, r.awaitMajority(newResults(nil, ErrDuplicateProposal), 4), ErrNoResponse)
}

func TestProposalErrors(t *testing.T) {
	err := notLeader(2)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Assert(t, !errors.Is(err, ErrStaleSequenceNumber))
	assert.Equal(t, err.Error(), "NotLeader (leader=2)")

	kind, ok := KindOf(connectionFailure(errors.New("refused")))
	assert.Assert(t, ok)
	assert.Equal(t, kind, KindConnectionFailure)

	_, ok = KindOf(errors.New("other"))
	assert.Assert(t, !ok)

	assert.DeepEqual(t, replyOf(nil), proposalReply{Kind: KindOk, LeaderHint: UnknownLeader})
	assert.NilError(t, replyOf(nil).err())
	assert.ErrorIs(t, replyOf(notLeader(1)).err(), ErrNotLeader)
	assert.Equal(t, replyOf(errors.New("boom")).Kind, KindNoResponse)
}

func TestLeaderProposalDebounce(t *testing.T) {
	config := testConfig(t, 3, 0)
	clock := config.Clock.(*fakeClock)
	r := newTestReplica(t, config)

	assert.Assert(t, r.newLeaderProposal(1))
	assert.Assert(t, !r.newLeaderProposal(2))
	assert.Assert(t, r.newLeaderProposal(1))

	clock.Advance(config.WithDefaults().LeaderDebounce)
	assert.Assert(t, r.newLeaderProposal(2))

	r.newLeaderElected(2)
	assert.Equal(t, r.Leader(), 2)
	assert.Assert(t, r.newLeaderProposal(1))
}
