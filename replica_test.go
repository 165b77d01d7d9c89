package graftchat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

type fakeClock struct {
	now time.Time
	mut sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.now = c.now.Add(d)
}

func freeAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func testConfig(t *testing.T, n int, id int) Config {
	urls := make([]string, n)
	for i := range urls {
		// Unused ports; peers of unstarted replicas are never called.
		urls[i] = fmt.Sprintf("127.0.0.1:%d", 1+i)
	}
	return Config{
		Id:             id,
		ClusterUrls:    urls,
		Dir:            t.TempDir(),
		Clock:          &fakeClock{now: t0},
		PurgeInterval:  time.Hour,
		StatusInterval: time.Hour,
	}
}

// newTestReplica returns a replica that is not started: it serves nothing and calls no one.
func newTestReplica(t *testing.T, config Config) *Replica {
	r, err := New(config)
	assert.NilError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
	})
	return r
}

// startSingleReplica starts a one-server cluster, where the replica is its own majority.
func startSingleReplica(t *testing.T, config Config) *Replica {
	config.ClusterUrls = []string{freeAddress(t)}
	config.Id = 0
	r := newTestReplica(t, config)
	assert.NilError(t, r.Start())
	return r
}

func TestReplicaChatOperations(t *testing.T) {
	r := startSingleReplica(t, testConfig(t, 1, 0))
	ctx := context.Background()

	assert.NilError(t, r.Join(ctx, "alice", "general", t0))
	assert.NilError(t, r.Join(ctx, "bob", "general", t0))
	assert.NilError(t, r.Join(ctx, "bob", "random", t0))

	id, err := r.NewMessage(ctx, "alice", "general", "hello", t0.Add(time.Second))
	assert.NilError(t, err)
	assert.Equal(t, id, "0-4")

	assert.NilError(t, r.Like(ctx, "bob", "general", id, t0.Add(2*time.Second)))
	messages, err := r.GetMessages("alice", "general", 10)
	assert.NilError(t, err)
	assert.DeepEqual(t, messages, []MessageView{
		{Id: id, Sender: "alice", Text: "hello", Likes: 1, Timestamp: t0.Add(time.Second)},
	})

	assert.NilError(t, r.Unlike(ctx, "bob", "general", id, t0.Add(3*time.Second)))
	messages, err = r.GetMessages("bob", "general", -1)
	assert.NilError(t, err)
	assert.Equal(t, messages[0].Likes, 0)

	assert.DeepEqual(t, r.GetChatters("general"), []string{"alice", "bob"})
	assert.DeepEqual(t, r.AvailableRooms(), []string{"general", "random"})

	assert.NilError(t, r.Leave(ctx, "bob", "general", t0.Add(4*time.Second)))
	assert.DeepEqual(t, r.GetChatters("general"), []string{"alice"})
	assert.DeepEqual(t, r.GetChatters("nowhere"), []string{})
	assert.DeepEqual(t, r.Vector(), VectorStamp{7})
	assert.DeepEqual(t, r.ReachableServers(), []bool{true})
}

func TestReplicaRejectsNonParticipants(t *testing.T) {
	r := startSingleReplica(t, testConfig(t, 1, 0))
	ctx := context.Background()

	_, err := r.NewMessage(ctx, "mallory", "general", "hi", t0)
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.ErrorIs(t, r.Leave(ctx, "mallory", "general", t0), ErrNotParticipant)
	_, err = r.GetMessages("mallory", "general", 10)
	assert.ErrorIs(t, err, ErrNotParticipant)

	assert.NilError(t, r.Join(ctx, "alice", "general", t0))
	assert.ErrorIs(t, r.Like(ctx, "alice", "general", "9-9", t0), ErrUnknownMessage)
	assert.ErrorIs(t, r.Join(ctx, "", "general", t0), ErrInvalidRequest)

	// Failed operations are not committed.
	assert.DeepEqual(t, r.Vector(), VectorStamp{1})
}

func TestReplicaNotReadyBeforeStart(t *testing.T) {
	r := newTestReplica(t, testConfig(t, 3, 0))
	assert.ErrorIs(t, r.Join(context.Background(), "alice", "general", t0), ErrNotReady)

	assert.NilError(t, r.Close())
	assert.ErrorIs(t, r.Join(context.Background(), "alice", "general", t0), ErrClosed)
}

func TestReplayBuffersOutOfOrderEntries(t *testing.T) {
	config := testConfig(t, 3, 0)
	r := newTestReplica(t, config)

	join := LogEntry{Origin: 1, Seq: 1, Op: Join{User: "bob", Room: "general", Timestamp: t0}}
	msg := LogEntry{Origin: 1, Seq: 2, Op: NewMessage{User: "bob", Room: "general", Text: "one", Timestamp: t0}}
	msg2 := LogEntry{Origin: 1, Seq: 3, Op: NewMessage{User: "bob", Room: "general", Text: "two", Timestamp: t0}}

	applied, err := r.replay([]LogEntry{msg2, msg})
	assert.NilError(t, err)
	assert.Equal(t, len(applied), 0)
	assert.DeepEqual(t, r.Vector(), VectorStamp{0, 0, 0})
	assert.Equal(t, r.Status().Buffered, 2)

	applied, err = r.replay([]LogEntry{join})
	assert.NilError(t, err)
	assert.DeepEqual(t, applied, []LogEntry{join, msg, msg2})
	assert.DeepEqual(t, r.Vector(), VectorStamp{0, 3, 0})
	assert.Equal(t, r.Status().Buffered, 0)

	// Duplicates are dropped.
	applied, err = r.replay([]LogEntry{join, msg2})
	assert.NilError(t, err)
	assert.Equal(t, len(applied), 0)

	// Applied entries were logged in apply order.
	r.mut.Lock()
	logged, err := r.cmdLog.ReadAll(false)
	r.mut.Unlock()
	assert.NilError(t, err)
	assert.DeepEqual(t, logged, []LogEntry{join, msg, msg2})
}

func TestServerDataReturnsMissingEntries(t *testing.T) {
	r := newTestReplica(t, testConfig(t, 2, 0))
	entries := []LogEntry{
		{Origin: 1, Seq: 1, Op: Join{User: "bob", Room: "r", Timestamp: t0}},
		{Origin: 1, Seq: 2, Op: Leave{User: "bob", Room: "r", Timestamp: t0}},
	}
	_, err := r.replay(entries)
	assert.NilError(t, err)

	res, err := r.serverData(context.Background(), dataRequest{Requester: 1, Vector: VectorStamp{0, 1}})
	assert.NilError(t, err)
	missing, err := decodeEntries(res.Lines)
	assert.NilError(t, err)
	assert.DeepEqual(t, missing, entries[1:])

	res, err = r.serverData(context.Background(), dataRequest{Requester: 1, Vector: VectorStamp{0, 2}})
	assert.NilError(t, err)
	assert.Equal(t, len(res.Lines), 0)
}

func TestReplicaRecoversFromLog(t *testing.T) {
	config := testConfig(t, 1, 0)
	config.ClusterUrls = []string{freeAddress(t)}
	ctx := context.Background()

	r, err := New(config)
	assert.NilError(t, err)
	assert.NilError(t, r.Start())
	assert.NilError(t, r.Join(ctx, "alice", "general", t0))
	_, err = r.NewMessage(ctx, "alice", "general", "before crash", t0)
	assert.NilError(t, err)
	assert.NilError(t, r.Close())

	r = newTestReplica(t, config)
	assert.NilError(t, r.Start())

	// The session that was open when the replica went down is ended.
	assert.DeepEqual(t, r.Vector(), VectorStamp{3})
	assert.DeepEqual(t, r.AvailableRooms(), []string{"general"})
	assert.DeepEqual(t, r.GetChatters("general"), []string{})
	assert.Assert(t, r.Status().Ready)

	sessions, err := r.snapshots.LoadSessions()
	assert.NilError(t, err)
	assert.Equal(t, len(sessions), 0)

	assert.NilError(t, r.Join(ctx, "alice", "general", t0))
	messages, err := r.GetMessages("alice", "general", -1)
	assert.NilError(t, err)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Text, "before crash")
}

func TestPurgeEndsExpiredLocalSessions(t *testing.T) {
	config := testConfig(t, 1, 0)
	clock := config.Clock.(*fakeClock)
	config.PresenceTimeout = time.Minute
	r := startSingleReplica(t, config)
	ctx := context.Background()

	assert.NilError(t, r.Join(ctx, "alice", "general", t0))
	assert.NilError(t, r.Join(ctx, "bob", "general", t0))

	clock.Advance(40 * time.Second)
	_, err := r.GetMessages("bob", "general", 10)
	assert.NilError(t, err)
	assert.Equal(t, r.purgeRoom(ctx, "general"), 0)

	clock.Advance(40 * time.Second)
	assert.Equal(t, r.purgeRoom(ctx, "general"), 1)
	assert.DeepEqual(t, r.GetChatters("general"), []string{"bob"})
}

func TestPurgeLeavesRemoteSessions(t *testing.T) {
	config := testConfig(t, 3, 0)
	clock := config.Clock.(*fakeClock)
	r := newTestReplica(t, config)
	r.setReady()

	_, err := r.replay([]LogEntry{{Origin: 1, Seq: 1, Op: Join{User: "bob", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, r.purgeRoom(context.Background(), "general"), 0)
	assert.DeepEqual(t, r.GetChatters("general"), []string{"bob"})
}

func TestUnreachablePeerHidesItsClients(t *testing.T) {
	config := testConfig(t, 3, 0)
	r := newTestReplica(t, config)

	_, err := r.replay([]LogEntry{
		{Origin: 1, Seq: 1, Op: Join{User: "bob", Room: "general", Timestamp: t0}},
		{Origin: 2, Seq: 1, Op: Join{User: "carol", Room: "general", Timestamp: t0}},
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, r.GetChatters("general"), []string{"bob", "carol"})

	r.markUnreachable(1, fmt.Errorf("test"))
	assert.DeepEqual(t, r.GetChatters("general"), []string{"carol"})
	assert.DeepEqual(t, r.ReachableServers(), []bool{true, false, true})
	assert.Assert(t, r.IsParticipant("bob", "general"))

	hidden, err := r.snapshots.LoadHidden()
	assert.NilError(t, err)
	assert.DeepEqual(t, hidden, map[int][]Session{1: {{User: "bob", Room: "general"}}})

	// Joins through an unreachable peer are hidden right away.
	_, err = r.replay([]LogEntry{{Origin: 1, Seq: 2, Op: Join{User: "dave", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)
	assert.DeepEqual(t, r.GetChatters("general"), []string{"carol"})

	r.markReachable(1)
	assert.DeepEqual(t, r.GetChatters("general"), []string{"bob", "carol", "dave"})
	hidden, err = r.snapshots.LoadHidden()
	assert.NilError(t, err)
	assert.Equal(t, len(hidden), 0)
}

func TestHiddenClientLeaving(t *testing.T) {
	r := newTestReplica(t, testConfig(t, 3, 0))
	_, err := r.replay([]LogEntry{{Origin: 1, Seq: 1, Op: Join{User: "bob", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)

	r.markUnreachable(1, fmt.Errorf("test"))
	_, err = r.replay([]LogEntry{{Origin: 1, Seq: 2, Op: Leave{User: "bob", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)
	assert.Assert(t, !r.IsParticipant("bob", "general"))

	r.markReachable(1)
	assert.DeepEqual(t, r.GetChatters("general"), []string{})
}

func TestCommandLogSyncedByDefault(t *testing.T) {
	r := newTestReplica(t, testConfig(t, 1, 0))
	assert.Assert(t, r.cmdLog.syncWrites)

	config := testConfig(t, 1, 0)
	config.NoSync = true
	assert.Assert(t, !newTestReplica(t, config).cmdLog.syncWrites)
}

func TestMessageTextSurvivesRestart(t *testing.T) {
	config := testConfig(t, 1, 0)
	config.ClusterUrls = []string{freeAddress(t)}
	ctx := context.Background()

	r, err := New(config)
	assert.NilError(t, err)
	assert.NilError(t, r.Start())
	assert.NilError(t, r.Join(ctx, "alice", "general", t0))

	// Invalid UTF-8 wouldn't read back the same from the log or from peers.
	_, err = r.NewMessage(ctx, "alice", "general", "caf\xe9", t0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, r.Join(ctx, "bo\xffb", "general", t0), ErrInvalidRequest)
	assert.DeepEqual(t, r.Vector(), VectorStamp{1})

	text := "café ☕ | a\nb"
	_, err = r.NewMessage(ctx, "alice", "general", text, t0)
	assert.NilError(t, err)
	before, err := r.GetMessages("alice", "general", -1)
	assert.NilError(t, err)
	assert.NilError(t, r.Close())

	r = newTestReplica(t, config)
	assert.NilError(t, r.Start())
	assert.NilError(t, r.Join(ctx, "alice", "general", t0))
	after, err := r.GetMessages("alice", "general", -1)
	assert.NilError(t, err)
	assert.Equal(t, len(after), 1)
	assert.Equal(t, after[0].Text, text)
	assert.DeepEqual(t, after[0].Text, before[0].Text)
}

func TestRoomCommandsWaitForFirstJoin(t *testing.T) {
	r := newTestReplica(t, testConfig(t, 3, 0))

	// bob joined through server 1, then posted and liked through server 2.
	_, err := r.replay([]LogEntry{
		{Origin: 2, Seq: 1, Op: NewMessage{User: "bob", Room: "general", Text: "hi", Timestamp: t0}},
		{Origin: 2, Seq: 2, Op: Like{User: "bob", Room: "general", MessageId: "2-1", Timestamp: t0}},
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, r.Vector(), VectorStamp{0, 0, 2})
	assert.Equal(t, len(r.AvailableRooms()), 0)
	assert.DeepEqual(t, r.GetChatters("general"), []string{})

	_, err = r.replay([]LogEntry{{Origin: 1, Seq: 1, Op: Join{User: "bob", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)
	assert.DeepEqual(t, r.AvailableRooms(), []string{"general"})

	messages, err := r.GetMessages("bob", "general", -1)
	assert.NilError(t, err)
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].Id, "2-1")
	assert.Equal(t, messages[0].Likes, 1)
}

func TestLaterJoinMovesSession(t *testing.T) {
	config := testConfig(t, 3, 0)
	clock := config.Clock.(*fakeClock)
	r := newTestReplica(t, config)
	r.setReady()
	alice := Session{User: "alice", Room: "general"}

	_, err := r.replay([]LogEntry{{Origin: 0, Seq: 1, Op: Join{User: "alice", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)
	func() {
		r.mut.Lock()
		defer r.mut.Unlock()
		r.sessions[alice] = struct{}{}
		r.unguardedSaveSessions()
	}()

	// alice now reads through server 1, which claims her session with a join.
	_, err = r.replay([]LogEntry{{Origin: 1, Seq: 1, Op: Join{User: "alice", Room: "general", Timestamp: t0}}})
	assert.NilError(t, err)
	sessions, err := r.snapshots.LoadSessions()
	assert.NilError(t, err)
	assert.Equal(t, len(sessions), 0)
	assert.DeepEqual(t, r.ownedSessions([]Session{alice}), []Session(nil))

	// Her heartbeat here is stale but she isn't purged from here.
	clock.Advance(time.Hour)
	assert.Equal(t, r.purgeRoom(context.Background(), "general"), 0)
	assert.DeepEqual(t, r.GetChatters("general"), []string{"alice"})

	// She is hidden along with her new server.
	r.markUnreachable(1, fmt.Errorf("test"))
	assert.DeepEqual(t, r.GetChatters("general"), []string{})
	assert.Assert(t, r.IsParticipant("alice", "general"))
}
