package graftchat

import (
	"context"
	"fmt"
)

// recover rebuilds the state of a replica restarting over an existing command log. The log is replayed and the
// hidden-client registry restored, then the leader is agreed on and every reachable peer is caught up with. The
// log may have lost the newest commands of this origin if it wasn't synced, so these are pulled back from peers
// before any new command is numbered. The sessions this replica owned before going down are ended with a leave
// since their clients are gone.
func (r *Replica) recover() error {
	if !r.hadLog {
		r.logger.Info("Starting with an empty log")
		r.setReady()
		return nil
	}

	ctx := context.Background()
	entries, err := func() ([]LogEntry, error) {
		r.mut.Lock()
		defer r.mut.Unlock()
		return r.cmdLog.ReadAll(r.config.MemoryMapped)
	}()
	if err != nil {
		return fmt.Errorf("reading command log: %w", err)
	}

	err = func() error {
		r.mut.Lock()
		defer r.mut.Unlock()

		for _, entry := range entries {
			if _, err := r.unguardedReplay(entry, true); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return fmt.Errorf("replaying command log: %w", err)
	}
	r.logger.Infow("Replayed command log", "entries", len(entries), "vector", r.Vector().String())

	hidden, err := r.snapshots.LoadHidden()
	if err != nil {
		return fmt.Errorf("loading hidden clients: %w", err)
	}
	r.restoreHidden(hidden)

	r.adjustLeaderToMajority(ctx)
	r.catchUp(ctx)

	sessions, err := r.snapshots.LoadSessions()
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	sessions = r.ownedSessions(sessions)
	var unfinished []Session
	for _, s := range sessions {
		if _, err := r.commit(ctx, Leave{User: s.User, Room: s.Room, Timestamp: r.clock.Now()}); err != nil {
			r.logger.Warnw("Couldn't end session", "session", s, "error", err)
			unfinished = append(unfinished, s)
		}
	}

	func() {
		r.mut.Lock()
		defer r.mut.Unlock()

		// Sessions left are ended by the purge loop or by the next restart.
		r.sessions = setOf(unfinished)
		r.unguardedSaveSessions()
	}()

	r.logger.Infow("Recovered", "leader", r.Leader(), "ended", len(sessions)-len(unfinished))
	r.setReady()
	return nil
}

// ownedSessions drops the sessions whose latest join went through a peer.
func (r *Replica) ownedSessions(sessions []Session) []Session {
	r.mut.Lock()
	defer r.mut.Unlock()

	var owned []Session
	for _, s := range sessions {
		movedAway := false
		for _, clients := range r.remoteClients {
			movedAway = movedAway || hasKey(clients, s)
		}
		if !movedAway {
			owned = append(owned, s)
		}
	}
	return owned
}

// catchUp syncs with all peers at once. Unreachable peers are marked so by syncWith.
func (r *Replica) catchUp(ctx context.Context) {
	results := fanOut(ctx, r.cluster.peersExcept(r.id), r.config.FanOutLimit, func(_ context.Context, p *peer) (struct{}, error) {
		return struct{}{}, r.syncWith(p)
	})
	for res := range results {
		if res.err != nil {
			r.logger.Warnw("Couldn't catch up with peer", "peer", res.peer, "error", res.err)
		}
	}
}

func (r *Replica) restoreHidden(hidden map[int][]Session) {
	r.mut.Lock()
	defer r.mut.Unlock()

	for peerId, sessions := range hidden {
		if peerId == r.id || peerId < 0 || peerId >= len(r.reachable) || len(sessions) == 0 {
			continue
		}
		for _, s := range sessions {
			addToSet(r.hidden, peerId, s)
			if room, ok := r.rooms.get(s.Room); ok {
				room.removeParticipant(s.User)
			}
		}
		// Anti-entropy restores them once the peer answers.
		r.reachable[peerId] = false
	}
}

func (r *Replica) setReady() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.ready = true
}
