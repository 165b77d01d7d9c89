package graftchat

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// leaderClaim is the last candidate this replica voted for. Competing candidates are refused until the
// claim is LeaderDebounce old.
type leaderClaim struct {
	claimedAt time.Time
	candidate int
}

func (r *Replica) newLeaderProposal(candidate int) bool {
	now := r.clock.Now()

	r.electionMut.Lock()
	defer r.electionMut.Unlock()

	if c := r.leaderClaim; c != nil && c.candidate != candidate && now.Sub(c.claimedAt) < r.config.LeaderDebounce {
		return false
	}
	r.leaderClaim = &leaderClaim{claimedAt: now, candidate: candidate}
	return true
}

func (r *Replica) newLeaderElected(leader int) {
	prev := func() int {
		r.electionMut.Lock()
		defer r.electionMut.Unlock()

		prev := r.leader
		r.leader = leader
		r.leaderClaim = nil
		return prev
	}()
	if prev != leader {
		r.logger.Infow("Leader changed", "previous", prev, "leader", leader)
	}
}

func (r *Replica) handleLeader(_ context.Context, _ struct{}) (leaderResponse, error) {
	return leaderResponse{Leader: r.Leader()}, nil
}

func (r *Replica) handleLeaderProposal(_ context.Context, request leaderProposalRequest) (leaderProposalResponse, error) {
	return leaderProposalResponse{Accepted: r.newLeaderProposal(request.Candidate)}, nil
}

func (r *Replica) handleLeaderElected(_ context.Context, request leaderElectedRequest) (emptyResponse, error) {
	r.newLeaderElected(request.Leader)
	return emptyResponse{}, nil
}

// becomeLeader campaigns until a majority, this replica included, accepts it as candidate, then announces
// the result. It gives up after ElectionAttempts rounds.
func (r *Replica) becomeLeader(ctx context.Context) bool {
	majority := r.cluster.majorityCount()
	campaign := func() error {
		votes := 0
		if r.newLeaderProposal(r.id) {
			votes++
		}
		results := fanOut(ctx, r.cluster.peers, r.config.FanOutLimit, func(ctx context.Context, p *peer) (bool, error) {
			return p.proposeLeader(ctx, r.id)
		})
		for res := range results {
			if res.err == nil && res.value {
				votes++
			}
		}
		if votes < majority {
			return fmt.Errorf("got %d of %d votes", votes, majority)
		}
		return nil
	}

	retries := uint64(max(r.config.ElectionAttempts-1, 0))
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(r.config.ElectionRetryInterval), retries)
	if err := backoff.Retry(campaign, policy); err != nil {
		r.logger.Infow("Lost election", "error", err)
		return false
	}

	r.newLeaderElected(r.id)
	results := fanOut(ctx, r.cluster.peers, r.config.FanOutLimit, func(ctx context.Context, p *peer) (struct{}, error) {
		return struct{}{}, p.leaderElected(ctx, r.id)
	})
	for res := range results {
		if res.err != nil {
			r.logger.Debugw("Couldn't announce leadership", "peer", res.peer, "error", res.err)
		}
	}
	return true
}

// adjustLeaderToMajority adopts the leader a majority of the cluster believes in, counting this replica's
// own belief. It reports false and keeps the current leader if no majority agrees.
func (r *Replica) adjustLeaderToMajority(ctx context.Context) (int, bool) {
	current := r.Leader()
	counts := map[int]int{current: 1}
	results := fanOut(ctx, r.cluster.peers, r.config.FanOutLimit, func(ctx context.Context, p *peer) (int, error) {
		return p.leader(ctx)
	})
	for res := range results {
		if res.err == nil {
			counts[res.value]++
		}
	}

	for leader, count := range counts {
		if leader != UnknownLeader && count >= r.cluster.majorityCount() {
			r.newLeaderElected(leader)
			return leader, true
		}
	}
	r.logger.Debugw("No majority agrees on a leader", "beliefs", counts)
	return current, false
}

// replaceLeader runs when the believed leader can't be reached. The replica follows the majority if it has
// moved on, and campaigns otherwise.
func (r *Replica) replaceLeader(ctx context.Context, unreachable int) {
	if leader, ok := r.adjustLeaderToMajority(ctx); ok && leader != unreachable {
		return
	}
	r.becomeLeader(ctx)
}
