package graftchat

import (
	"context"
	"fmt"
	"time"
)

// unguardedReplay applies entry if it is the next command of its origin and buffers it if it is ahead. Entries
// this replica already has are dropped. Applying an entry releases the buffered entries that follow it. Each
// applied entry is appended to the command log first unless it was read from there.
func (r *Replica) unguardedReplay(entry LogEntry, fromOwnLog bool) ([]LogEntry, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if entry.Origin < 0 || entry.Origin >= len(r.vector) {
		return nil, fmt.Errorf("entry %v has unknown origin", entry)
	}

	next := r.vector[entry.Origin] + 1
	if entry.Seq < next {
		return nil, nil
	}
	if entry.Seq > next {
		r.buffered.put(entry)
		r.logger.Debugw("Buffered entry ahead of its origin", "entry", entry, "expected", next)
		return nil, nil
	}

	var applied []LogEntry
	for ok := true; ok; entry, ok = r.buffered.take(entry.Origin, r.vector[entry.Origin]+1) {
		if !fromOwnLog {
			if err := r.cmdLog.Append(entry); err != nil {
				return applied, fmt.Errorf("appending %v: %w", entry, err)
			}
		}
		r.unguardedApply(entry)
		r.vector[entry.Origin]++
		r.applied[entry.Origin] = append(r.applied[entry.Origin], entry)
		applied = append(applied, entry)
	}
	return applied, nil
}

func (r *Replica) replay(entries []LogEntry) ([]LogEntry, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	var applied []LogEntry
	for _, entry := range entries {
		newlyApplied, err := r.unguardedReplay(entry, false)
		applied = append(applied, newlyApplied...)
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// unguardedApply reports whether the entry changed the visible state.
func (r *Replica) unguardedApply(entry LogEntry) bool {
	switch op := entry.Op.(type) {
	case Join:
		return r.unguardedApplyJoin(entry.Origin, op)
	case Leave:
		return r.unguardedApplyLeave(op)
	case NewMessage:
		room, ok := r.rooms.get(op.Room)
		if !ok {
			r.unguardedPark(op.Room, entry)
			return false
		}
		room.insertMessage(&Message{
			Id:        entry.MessageId(),
			Sender:    op.User,
			Text:      op.Text,
			Timestamp: op.Timestamp,
		})
		return true
	case Like:
		return r.unguardedApplyLike(entry, op.Room, op.MessageId, op.User, op.Timestamp, true)
	case Unlike:
		return r.unguardedApplyLike(entry, op.Room, op.MessageId, op.User, op.Timestamp, false)
	default:
		r.logger.Panicf("Unknown operation: %T", op)
		return false
	}
}

func (r *Replica) unguardedApplyLike(entry LogEntry, roomName string, messageId string, user string, ts time.Time, liked bool) bool {
	room, ok := r.rooms.get(roomName)
	if !ok {
		r.unguardedPark(roomName, entry)
		return false
	}
	return room.setLike(messageId, user, ts, liked)
}

// unguardedPark holds a command for a room no join has created here yet. A user may join through one server and
// post through another, and there is no ordering across origins.
func (r *Replica) unguardedPark(room string, entry LogEntry) {
	r.orphans[room] = append(r.orphans[room], entry)
	r.logger.Debugw("Parked command for unknown room", "entry", entry)
}

// unguardedApplyJoin adds the user to the room. The replica the latest join of a session went through owns the
// session: it is the one purging it, and the session is hidden while that replica is unreachable.
func (r *Replica) unguardedApplyJoin(origin int, op Join) bool {
	room := r.unguardedRoom(op.Room)
	if parked, ok := r.orphans[op.Room]; ok {
		delete(r.orphans, op.Room)
		for _, entry := range parked {
			r.unguardedApply(entry)
		}
	}

	s := Session{User: op.User, Room: op.Room}
	for o, sessions := range r.remoteClients {
		if o != origin {
			delete(sessions, s)
		}
	}
	hiddenChanged := false
	for o, sessions := range r.hidden {
		if o != origin && hasKey(sessions, s) {
			delete(sessions, s)
			hiddenChanged = true
		}
	}

	hide := false
	if origin != r.id {
		if hasKey(r.sessions, s) {
			delete(r.sessions, s)
			r.unguardedSaveSessions()
			r.logger.Infow("Session moved to peer", "session", s, "peer", origin)
		}
		addToSet(r.remoteClients, origin, s)
		if !r.reachable[origin] {
			addToSet(r.hidden, origin, s)
			hiddenChanged = true
			hide = true
		}
	}
	if hiddenChanged {
		r.unguardedSaveHidden()
	}

	if hide {
		room.removeParticipant(op.User)
		return false
	}
	room.addParticipant(op.User, r.clock.Now())
	return true
}

func (r *Replica) unguardedApplyLeave(op Leave) bool {
	s := Session{User: op.User, Room: op.Room}
	for _, sessions := range r.remoteClients {
		delete(sessions, s)
	}

	hiddenChanged := false
	for _, sessions := range r.hidden {
		if _, ok := sessions[s]; ok {
			delete(sessions, s)
			hiddenChanged = true
		}
	}
	if hiddenChanged {
		r.unguardedSaveHidden()
	}

	if _, ok := r.sessions[s]; ok {
		delete(r.sessions, s)
		r.unguardedSaveSessions()
	}

	room, ok := r.rooms.get(op.Room)
	return ok && room.removeParticipant(op.User)
}

// processCommand replays a command sent by a peer and passes what it newly applied on to the other peers.
// Those peers drop it if they already have it, so an entry travels at most two hops.
func (r *Replica) processCommand(_ context.Context, request commandRequest) (commandResponse, error) {
	entry, err := DecodeEntry(request.Line)
	if err != nil {
		return commandResponse{}, err
	}

	applied, err := r.replay([]LogEntry{entry})
	if len(applied) > 0 {
		r.broadcastEntries(applied, request.Sender, entry.Origin)
	}
	return commandResponse{Applied: len(applied)}, err
}

func (r *Replica) unguardedSaveSessions() {
	if err := r.snapshots.SaveSessions(keysOf(r.sessions)); err != nil {
		r.logger.Errorw("Error saving sessions", "error", err)
	}
}

func (r *Replica) unguardedSaveHidden() {
	hidden := make(map[int][]Session, len(r.hidden))
	for peer, sessions := range r.hidden {
		if len(sessions) > 0 {
			hidden[peer] = sortedSessions(keysOf(sessions))
		}
	}
	if err := r.snapshots.SaveHidden(hidden); err != nil {
		r.logger.Errorw("Error saving hidden clients", "error", err)
	}
}

func addToSet[K comparable, V comparable](sets map[K]map[V]struct{}, key K, value V) {
	set, ok := sets[key]
	if !ok {
		set = make(map[V]struct{})
		sets[key] = set
	}
	set[value] = struct{}{}
}
