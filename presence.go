package graftchat

import "context"

// unguardedRoom returns the named room, creating it and its purge loop on first use.
func (r *Replica) unguardedRoom(name string) *Chatroom {
	room, created := r.rooms.getOrCreate(name)
	if created && r.loopsStarted && !r.closed {
		r.unguardedStartPurger(name)
	}
	return room
}

func (r *Replica) unguardedStartPurger(name string) {
	r.unguardedStartTimer(r.config.PurgeInterval, func() {
		r.purgeRoom(context.Background(), name)
	})
}

// purgeRoom ends the sessions owned here whose heartbeat is older than PresenceTimeout. Sessions of other
// replicas are left to their owners.
func (r *Replica) purgeRoom(ctx context.Context, name string) int {
	expired := func() []Session {
		r.mut.Lock()
		defer r.mut.Unlock()

		room, ok := r.rooms.get(name)
		if !ok || !r.ready {
			return nil
		}
		now := r.clock.Now()
		var expired []Session
		for user, seen := range room.heartbeats {
			s := Session{User: user, Room: name}
			if _, owned := r.sessions[s]; owned && now.Sub(seen) > r.config.PresenceTimeout {
				expired = append(expired, s)
			}
		}
		return sortedSessions(expired)
	}()

	purged := 0
	for _, s := range expired {
		if _, err := r.commit(ctx, Leave{User: s.User, Room: s.Room, Timestamp: r.clock.Now()}); err != nil {
			r.logger.Warnw("Couldn't purge inactive user", "session", s, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		r.logger.Infow("Purged inactive users", "room", name, "count", purged)
	}
	return purged
}
