package graftchat

import (
	"context"
	"errors"
	"time"
)

// Attempts of the write path before the failure is reported to the client. Each retry follows a repair
// step matching the failure: finding the leader, replacing it, or catching up with it.
const proposalAttempts = 3

// commit runs the write path of a command originated here: ratify a sequence number through the leader,
// apply and log the command, then broadcast it.
func (r *Replica) commit(ctx context.Context, op Operation) (LogEntry, error) {
	r.writeMut.Lock()
	defer r.writeMut.Unlock()

	entry, slot, err := r.nextProposal(op)
	if err != nil {
		return LogEntry{}, err
	}

	if err := r.ratify(ctx, entry, slot); err != nil {
		r.logger.Infow("Proposal failed", "entry", entry, "slot", slot, "error", err)
		return LogEntry{}, err
	}

	applied, err := r.replay([]LogEntry{entry})
	if err != nil {
		return LogEntry{}, err
	}
	r.broadcastEntries(applied)
	return entry, nil
}

func (r *Replica) nextProposal(op Operation) (LogEntry, int64, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed {
		return LogEntry{}, 0, ErrClosed
	}
	entry := LogEntry{Origin: r.id, Seq: r.vector[r.id] + 1, Op: op}
	return entry, r.vector.Sum() + 1, nil
}

func (r *Replica) currentSlot() int64 {
	return r.committedCount() + 1
}

func (r *Replica) ratify(ctx context.Context, entry LogEntry, slot int64) error {
	for attempt := 1; ; attempt++ {
		leader := r.Leader()
		err := r.proposeTo(ctx, leader, slot, entry)
		if err == nil || attempt >= proposalAttempts {
			return err
		}

		r.logger.Debugw("Retrying proposal", "slot", slot, "leader", leader, "error", err)
		switch {
		case errors.Is(err, ErrNotLeader):
			r.adjustLeaderToMajority(ctx)
		case errors.Is(err, ErrConnectionFailure):
			if leader == r.id {
				return err
			}
			r.replaceLeader(ctx, leader)
		case errors.Is(err, ErrStaleSequenceNumber), errors.Is(err, ErrDuplicateProposal):
			if p, ok := r.cluster.peer(leader); ok {
				_ = r.syncWith(p)
			}
			slot = max(r.currentSlot(), slot+1)
		default:
			return err
		}
	}
}

func (r *Replica) proposeTo(ctx context.Context, leader int, slot int64, entry LogEntry) error {
	if leader == r.id {
		return r.runQuorum(slot, entry.Origin)
	}
	p, ok := r.cluster.peer(leader)
	if !ok {
		return notLeader(UnknownLeader)
	}
	// The leader waits up to ProposalTimeout for its quorum.
	timeout := r.config.ProposalTimeout + r.config.RpcTimeout
	return p.propose(ctx, timeout, proposeRequest{Slot: slot, Origin: entry.Origin, Seq: entry.Seq})
}

// proposeCmd handles a proposal forwarded to this replica as leader.
func (r *Replica) proposeCmd(ctx context.Context, request proposeRequest) (proposalReply, error) {
	if leader := r.Leader(); leader != r.id {
		return replyOf(notLeader(leader)), nil
	}

	err := r.runQuorum(request.Slot, request.Origin)
	if errors.Is(err, ErrNotLeader) {
		// A majority follows someone else.
		r.adjustLeaderToMajority(ctx)
	}
	return replyOf(err), nil
}

// runQuorum records the proposal here and asks every peer to accept it. Peer calls are not cancelled when
// the result is known; late replies are ignored.
func (r *Replica) runQuorum(slot int64, origin int) error {
	request := acceptRequest{Slot: slot, Origin: origin, Leader: r.id}
	if err := r.acceptProposal(request); err != nil {
		return err
	}

	results := fanOut(context.Background(), r.cluster.peers, r.config.FanOutLimit,
		func(ctx context.Context, p *peer) (struct{}, error) {
			return struct{}{}, p.accept(ctx, request)
		})
	return r.awaitMajority(results, len(r.cluster.peers))
}

// awaitMajority counts accepts, including the leader's own, until a majority is reached or can no longer
// be reached. Without a majority, the most frequent rejection is returned.
func (r *Replica) awaitMajority(results <-chan peerResult[struct{}], expected int) error {
	majority := r.cluster.majorityCount()
	accepts := 1
	var rejects rejectionTally

	timer := time.NewTimer(r.config.ProposalTimeout)
	defer timer.Stop()

	for remaining := expected; accepts < majority; remaining-- {
		if accepts+remaining < majority {
			return rejects.dominant()
		}

		select {
		case res := <-results:
			if res.err == nil {
				accepts++
			} else {
				rejects.add(res.err)
			}
		case <-timer.C:
			return ErrNoResponse
		}
	}
	return nil
}

type rejectionTally struct {
	counts [KindNoResponse + 1]int
	hints  map[int]int
}

func (t *rejectionTally) add(err error) {
	kind, ok := KindOf(err)
	if !ok || kind == KindOk {
		kind = KindConnectionFailure
	}
	t.counts[kind]++
	if kind == KindNotLeader {
		if t.hints == nil {
			t.hints = make(map[int]int)
		}
		t.hints[LeaderHintOf(err)]++
	}
}

func (t *rejectionTally) dominant() error {
	best := KindNoResponse
	for _, kind := range []ErrorKind{KindNotLeader, KindStaleSequenceNumber, KindDuplicateProposal, KindConnectionFailure} {
		if t.counts[kind] > 0 && (best == KindNoResponse || t.counts[kind] > t.counts[best]) {
			best = kind
		}
	}

	hint, hintCount := UnknownLeader, 0
	for h, count := range t.hints {
		if h != UnknownLeader && (count > hintCount || (count == hintCount && h < hint)) {
			hint, hintCount = h, count
		}
	}
	return errorOfKind(best, hint)
}

// acceptProposal votes on a proposal from the leader. A proposal is rejected if it comes from a server this
// replica doesn't follow, if its sequence number is already committed here, or if another origin holds
// a live proposal for the same sequence number.
func (r *Replica) acceptProposal(request acceptRequest) error {
	committed := r.committedCount()
	now := r.clock.Now()

	r.electionMut.Lock()
	defer r.electionMut.Unlock()

	if request.Leader != r.leader {
		return notLeader(r.leader)
	}
	if request.Slot <= committed {
		return ErrStaleSequenceNumber
	}

	r.unguardedExpireProposals(now)
	if p, ok := r.pending[request.Slot]; ok && p.Origin != request.Origin {
		return ErrDuplicateProposal
	}
	r.pending[request.Slot] = PendingProposal{ProposedAt: now, Origin: request.Origin}
	return nil
}

func (r *Replica) handleAccept(_ context.Context, request acceptRequest) (proposalReply, error) {
	return replyOf(r.acceptProposal(request)), nil
}

func (r *Replica) unguardedExpireProposals(now time.Time) {
	for slot, p := range r.pending {
		if now.Sub(p.ProposedAt) >= r.config.PendingProposalTtl {
			delete(r.pending, slot)
		}
	}
}

func (r *Replica) pendingProposals() map[int64]PendingProposal {
	r.electionMut.Lock()
	defer r.electionMut.Unlock()

	r.unguardedExpireProposals(r.clock.Now())
	pending := make(map[int64]PendingProposal, len(r.pending))
	for slot, p := range r.pending {
		pending[slot] = p
	}
	return pending
}

// mergePendingProposals adopts a peer's live proposals, keeping the most recent record per sequence number.
func (r *Replica) mergePendingProposals(remote map[int64]PendingProposal) {
	now := r.clock.Now()

	r.electionMut.Lock()
	defer r.electionMut.Unlock()

	for slot, p := range remote {
		if now.Sub(p.ProposedAt) >= r.config.PendingProposalTtl {
			continue
		}
		if local, ok := r.pending[slot]; !ok || p.ProposedAt.After(local.ProposedAt) {
			r.pending[slot] = p
		}
	}
}
