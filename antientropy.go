package graftchat

import (
	"context"
	"slices"
)

// syncWith pulls the entries p has and this replica misses, then adopts p's live proposals. Failing to reach
// p hides the clients that joined through it, and reaching it again restores them.
func (r *Replica) syncWith(p *peer) error {
	res, err := p.serverData(context.Background(), dataRequest{Requester: r.id, Vector: r.Vector()})
	if err != nil {
		r.markUnreachable(p.id, err)
		return err
	}
	r.markReachable(p.id)

	entries, err := decodeEntries(res.Lines)
	if err != nil {
		r.logger.Errorw("Malformed entries from peer", "peer", p.id, "error", err)
		return err
	}

	applied, err := r.replay(entries)
	if len(applied) > 0 {
		r.logger.Debugw("Caught up with peer", "peer", p.id, "applied", len(applied), "vector", r.Vector().String())
	}
	r.mergePendingProposals(res.Pending)
	return err
}

// serverData returns the entries the requester is missing by its vector, plus the live pending proposals.
func (r *Replica) serverData(_ context.Context, request dataRequest) (dataResponse, error) {
	missing := func() []LogEntry {
		r.mut.Lock()
		defer r.mut.Unlock()

		var missing []LogEntry
		for origin, entries := range r.applied {
			var have int64
			if origin < len(request.Vector) {
				have = max(request.Vector[origin], 0)
			}
			if have < int64(len(entries)) {
				missing = append(missing, entries[have:]...)
			}
		}
		return missing
	}()

	lines, err := encodeEntries(missing)
	if err != nil {
		return dataResponse{}, err
	}
	return dataResponse{Lines: lines, Pending: r.pendingProposals()}, nil
}

func (r *Replica) markUnreachable(peerId int, cause error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if !r.reachable[peerId] {
		return
	}
	r.reachable[peerId] = false

	clients := r.remoteClients[peerId]
	for s := range clients {
		addToSet(r.hidden, peerId, s)
		if room, ok := r.rooms.get(s.Room); ok {
			room.removeParticipant(s.User)
		}
	}
	if len(clients) > 0 {
		r.unguardedSaveHidden()
	}
	r.logger.Warnw("Peer unreachable", "peer", peerId, "hidden", len(clients), "error", cause)
}

func (r *Replica) markReachable(peerId int) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.reachable[peerId] {
		return
	}
	r.reachable[peerId] = true

	hidden := r.hidden[peerId]
	if len(hidden) > 0 {
		now := r.clock.Now()
		for s := range hidden {
			r.unguardedRoom(s.Room).addParticipant(s.User, now)
		}
		delete(r.hidden, peerId)
		r.unguardedSaveHidden()
	}
	r.logger.Infow("Peer reachable again", "peer", peerId, "restored", len(hidden))
}

// ReachableServers reports, per server index, whether the last anti-entropy round reached it.
func (r *Replica) ReachableServers() []bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.unguardedReachable()
}

func (r *Replica) unguardedReachable() []bool {
	reachable := slices.Clone(r.reachable)
	reachable[r.id] = true
	return reachable
}
