package graftchat

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"
)

// MessageView is a message as shown to clients.
type MessageView struct {
	Id        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Likes     int       `json:"likes"`
	Timestamp time.Time `json:"timestamp"`
}

func (r *Replica) Join(ctx context.Context, user string, room string, ts time.Time) error {
	if err := requireValid("user", user, "room", room); err != nil {
		return err
	}
	if err := r.checkWritable(); err != nil {
		return err
	}
	if _, err := r.commit(ctx, Join{User: user, Room: room, Timestamp: ts}); err != nil {
		return err
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	r.sessions[Session{User: user, Room: room}] = struct{}{}
	r.unguardedSaveSessions()
	return nil
}

func (r *Replica) Leave(ctx context.Context, user string, room string, ts time.Time) error {
	if err := r.checkParticipant(user, room); err != nil {
		return err
	}
	_, err := r.commit(ctx, Leave{User: user, Room: room, Timestamp: ts})
	return err
}

// NewMessage posts text to room and returns the id of the new message.
func (r *Replica) NewMessage(ctx context.Context, user string, room string, text string, ts time.Time) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidRequest)
	}
	if err := r.checkParticipant(user, room); err != nil {
		return "", err
	}
	entry, err := r.commit(ctx, NewMessage{User: user, Room: room, Text: text, Timestamp: ts})
	if err != nil {
		return "", err
	}
	return entry.MessageId(), nil
}

func (r *Replica) Like(ctx context.Context, user string, room string, messageId string, ts time.Time) error {
	if err := r.checkLikeable(user, room, messageId); err != nil {
		return err
	}
	_, err := r.commit(ctx, Like{User: user, Room: room, MessageId: messageId, Timestamp: ts})
	return err
}

func (r *Replica) Unlike(ctx context.Context, user string, room string, messageId string, ts time.Time) error {
	if err := r.checkLikeable(user, room, messageId); err != nil {
		return err
	}
	_, err := r.commit(ctx, Unlike{User: user, Room: room, MessageId: messageId, Timestamp: ts})
	return err
}

// GetMessages returns the last count messages of room in timestamp order, all of them if count is negative.
// It counts as activity of the user.
func (r *Replica) GetMessages(user string, room string, count int) ([]MessageView, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	rm, ok := r.rooms.get(room)
	if !ok || !r.unguardedIsParticipant(user, room) {
		return nil, ErrNotParticipant
	}
	rm.touch(user, r.clock.Now())
	if s := (Session{User: user, Room: room}); !hasKey(r.sessions, s) && r.ready && !r.closed {
		r.sessions[s] = struct{}{}
		r.unguardedSaveSessions()
		go r.claimSession(s)
	}

	messages := rm.recentMessages(count)
	views := make([]MessageView, len(messages))
	for i, m := range messages {
		views[i] = MessageView{
			Id:        m.Id,
			Sender:    m.Sender,
			Text:      m.Text,
			Likes:     m.LikeCount(),
			Timestamp: m.Timestamp,
		}
	}
	return views, nil
}

// claimSession takes over a session of a client that moved here by committing a join for it, so the replica
// it joined through stops tracking its presence. Heartbeats are local, so that replica would purge it otherwise.
func (r *Replica) claimSession(s Session) {
	if _, err := r.commit(context.Background(), Join{User: s.User, Room: s.Room, Timestamp: r.clock.Now()}); err != nil {
		r.logger.Warnw("Couldn't claim session", "session", s, "error", err)

		// The next read tries again.
		r.mut.Lock()
		defer r.mut.Unlock()
		if !r.closed && hasKey(r.sessions, s) {
			delete(r.sessions, s)
			r.unguardedSaveSessions()
		}
	}
}

// GetChatters returns the visible participants of room in sorted order.
func (r *Replica) GetChatters(room string) []string {
	r.mut.Lock()
	defer r.mut.Unlock()

	rm, ok := r.rooms.get(room)
	if !ok {
		return []string{}
	}
	return rm.Participants()
}

// AvailableRooms returns the rooms in the order they were created here.
func (r *Replica) AvailableRooms() []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.rooms.names()
}

// IsParticipant reports whether user is in room, counting users hidden because their server is unreachable.
func (r *Replica) IsParticipant(user string, room string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.unguardedIsParticipant(user, room)
}

func (r *Replica) unguardedIsParticipant(user string, room string) bool {
	if rm, ok := r.rooms.get(room); ok && rm.isParticipant(user) {
		return true
	}
	s := Session{User: user, Room: room}
	for _, sessions := range r.hidden {
		if _, ok := sessions[s]; ok {
			return true
		}
	}
	return false
}

func (r *Replica) checkParticipant(user string, room string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}
	if !r.IsParticipant(user, room) {
		return ErrNotParticipant
	}
	return nil
}

func (r *Replica) checkLikeable(user string, room string, messageId string) error {
	if err := r.checkParticipant(user, room); err != nil {
		return err
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if rm, ok := r.rooms.get(room); !ok || !rm.hasMessage(messageId) {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, messageId)
	}
	return nil
}

// requireValid checks name/value pairs are non-empty UTF-8. Commands travel as JSON, which would replace
// invalid bytes on the way to peers.
func requireValid(nameValues ...string) error {
	for i := 0; i+1 < len(nameValues); i += 2 {
		name, value := nameValues[i], nameValues[i+1]
		if value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidRequest, name)
		}
		if !utf8.ValidString(value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidRequest, name)
		}
	}
	return nil
}
