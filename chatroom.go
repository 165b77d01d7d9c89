package graftchat

import (
	"slices"
	"sort"
	"time"
)

// LikeRecord is the latest like or unlike of a user on a message. Liked is false for a tombstone.
type LikeRecord struct {
	User      string
	Timestamp time.Time
	Liked     bool
}

type Message struct {
	Id        string
	Sender    string
	Text      string
	Timestamp time.Time
	likes     []LikeRecord
}

func (m *Message) LikeCount() int {
	count := 0
	for _, r := range m.likes {
		if r.Liked {
			count++
		}
	}
	return count
}

// setLike resolves concurrent updates of one user by last writer wins on the client timestamp. It reports
// whether the update changed the message's like state. An update carrying the value already recorded only
// moves the record's timestamp forward.
func (m *Message) setLike(user string, ts time.Time, liked bool) bool {
	for i := range m.likes {
		r := &m.likes[i]
		if r.User != user {
			continue
		}

		if r.Liked == liked {
			if ts.After(r.Timestamp) {
				r.Timestamp = ts
			}
			return false
		}
		if !ts.After(r.Timestamp) {
			return false
		}
		r.Timestamp = ts
		r.Liked = liked
		return true
	}

	m.likes = append(m.likes, LikeRecord{User: user, Timestamp: ts, Liked: liked})
	return true
}

type parkedLike struct {
	user  string
	ts    time.Time
	liked bool
}

type Chatroom struct {
	Name         string
	participants []string
	heartbeats   map[string]time.Time
	messages     []*Message
	byId         map[string]*Message

	// Likes for messages not applied yet. There is no ordering across origins, so a like can arrive
	// before the message it targets.
	parked map[string][]parkedLike
}

func newChatroom(name string) *Chatroom {
	return &Chatroom{
		Name:       name,
		heartbeats: make(map[string]time.Time),
		byId:       make(map[string]*Message),
		parked:     make(map[string][]parkedLike),
	}
}

func (c *Chatroom) Participants() []string {
	return append([]string{}, c.participants...)
}

func (c *Chatroom) isParticipant(user string) bool {
	i := sort.SearchStrings(c.participants, user)
	return i < len(c.participants) && c.participants[i] == user
}

// addParticipant keeps participants sorted and refreshes the user's heartbeat.
func (c *Chatroom) addParticipant(user string, now time.Time) {
	c.heartbeats[user] = now
	i := sort.SearchStrings(c.participants, user)
	if i < len(c.participants) && c.participants[i] == user {
		return
	}
	c.participants = slices.Insert(c.participants, i, user)
}

func (c *Chatroom) removeParticipant(user string) bool {
	delete(c.heartbeats, user)
	i := sort.SearchStrings(c.participants, user)
	if i < len(c.participants) && c.participants[i] == user {
		c.participants = slices.Delete(c.participants, i, i+1)
		return true
	}
	return false
}

func (c *Chatroom) touch(user string, now time.Time) {
	if c.isParticipant(user) {
		c.heartbeats[user] = now
	}
}

// insertMessage keeps messages ordered by send timestamp; messages with equal timestamps keep commit order.
func (c *Chatroom) insertMessage(msg *Message) {
	if _, ok := c.byId[msg.Id]; ok {
		return
	}

	i := len(c.messages)
	for i > 0 && c.messages[i-1].Timestamp.After(msg.Timestamp) {
		i--
	}
	c.messages = slices.Insert(c.messages, i, msg)
	c.byId[msg.Id] = msg

	for _, p := range c.parked[msg.Id] {
		msg.setLike(p.user, p.ts, p.liked)
	}
	delete(c.parked, msg.Id)
}

func (c *Chatroom) setLike(messageId string, user string, ts time.Time, liked bool) bool {
	msg, ok := c.byId[messageId]
	if !ok {
		c.parked[messageId] = append(c.parked[messageId], parkedLike{user: user, ts: ts, liked: liked})
		return false
	}
	return msg.setLike(user, ts, liked)
}

func (c *Chatroom) hasMessage(messageId string) bool {
	_, ok := c.byId[messageId]
	return ok
}

// recentMessages returns the last count messages, or all of them if count is negative.
func (c *Chatroom) recentMessages(count int) []*Message {
	if count < 0 || count >= len(c.messages) {
		return c.messages
	}
	return c.messages[len(c.messages)-count:]
}

// chatrooms keeps rooms in creation order.
type chatrooms struct {
	rooms map[string]*Chatroom
	order []string
}

func newChatrooms() *chatrooms {
	return &chatrooms{rooms: make(map[string]*Chatroom)}
}

func (c *chatrooms) get(name string) (*Chatroom, bool) {
	room, ok := c.rooms[name]
	return room, ok
}

func (c *chatrooms) getOrCreate(name string) (*Chatroom, bool) {
	if room, ok := c.rooms[name]; ok {
		return room, false
	}
	room := newChatroom(name)
	c.rooms[name] = room
	c.order = append(c.order, name)
	return room, true
}

func (c *chatrooms) names() []string {
	return slices.Clone(c.order)
}
