package graftchat

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Replica holds a full copy of the chat state and takes part in the replication protocol with its peers.
//
// Lock order: writeMut, then mut, then electionMut. writeMut is the only lock held across network calls.
type Replica struct {
	_ uncopyable

	id      int
	config  Config
	cluster *cluster
	clock   Clock
	logger  *zap.SugaredLogger
	hadLog  bool

	// Serializes the commands originated here so that this origin's sequence numbers have no gaps.
	writeMut sync.Mutex

	mut           sync.Mutex
	vector        VectorStamp
	buffered      replayBuffer
	applied       [][]LogEntry // Per origin, entry with sequence number s at s-1.
	rooms         *chatrooms
	sessions      map[Session]struct{}         // Sessions joined through this replica.
	remoteClients map[int]map[Session]struct{} // Sessions joined through each peer.
	hidden        map[int]map[Session]struct{} // Sessions of unreachable peers.
	orphans       map[string][]LogEntry        // Room commands applied before the room's first join.
	reachable     []bool
	ready         bool
	closed        bool
	loopsStarted  bool
	timers        []*periodicTimer
	cmdLog        *commandLog
	snapshots     SnapshotStore

	electionMut sync.Mutex
	leader      int
	leaderClaim *leaderClaim
	pending     map[int64]PendingProposal

	srv *http.Server
}

func New(config Config) (*Replica, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.WithDefaults()
	logger := config.LoggerOrNoop().With(zap.Int("id", config.Id))

	hadLog := logExists(config.Dir)
	cmdLog, err := openCommandLog(LogOptions{
		Dir:        config.Dir,
		SyncWrites: !config.NoSync,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening command log: %w", err)
	}

	snapshots, err := OpenSnapshotStore(config.SnapshotBackend, config.Dir)
	if err != nil {
		return nil, closeOnErr(cmdLog, fmt.Errorf("opening snapshot store: %w", err))
	}

	n := len(config.ClusterUrls)
	r := &Replica{
		id:            config.Id,
		config:        config,
		cluster:       newCluster(config.Id, config, logger),
		clock:         config.Clock,
		logger:        logger.With(zap.String("name", "replica")).Sugar(),
		hadLog:        hadLog,
		vector:        newVectorStamp(n),
		buffered:      make(replayBuffer),
		applied:       make([][]LogEntry, n),
		rooms:         newChatrooms(),
		sessions:      make(map[Session]struct{}),
		remoteClients: make(map[int]map[Session]struct{}),
		hidden:        make(map[int]map[Session]struct{}),
		orphans:       make(map[string][]LogEntry),
		reachable:     make([]bool, n),
		cmdLog:        cmdLog,
		snapshots:     snapshots,
		leader:        config.InitialLeader,
		pending:       make(map[int64]PendingProposal),
	}
	for i := range r.reachable {
		r.reachable[i] = true
	}

	mux := http.NewServeMux()
	r.registerHandlers(mux)
	r.srv = &http.Server{Handler: mux}
	return r, nil
}

func (r *Replica) Id() int {
	return r.id
}

func (r *Replica) Address() string {
	return r.config.ClusterUrls[r.id]
}

// Start serves peer calls, recovers from the command log if there is one, then starts the background loops.
// Client writes are rejected with ErrNotReady until Start returns.
func (r *Replica) Start() error {
	listener, err := net.Listen("tcp", r.Address())
	if err != nil {
		return err
	}

	r.logger.Infow("Listening", "address", listener.Addr().String(), "config", r.config.String())
	go func() {
		if err := r.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Errorw("Serve error", "error", err)
		}
	}()

	if err := r.recover(); err != nil {
		return fmt.Errorf("recovering replica %d: %w", r.id, err)
	}
	r.startLoops()
	return nil
}

func (r *Replica) startLoops() {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed || r.loopsStarted {
		return
	}
	r.loopsStarted = true

	for _, p := range r.cluster.peers {
		r.unguardedStartTimer(r.config.AntiEntropyInterval, func() {
			_ = r.syncWith(p)
		})
	}
	r.unguardedStartTimer(r.config.StatusInterval, r.logStatus)
	for _, name := range r.rooms.names() {
		r.unguardedStartPurger(name)
	}
}

func (r *Replica) unguardedStartTimer(interval time.Duration, trigger func()) {
	t := newTimer(interval)
	r.timers = append(r.timers, t)
	t.start(trigger)
}

func (r *Replica) Close() error {
	timers, alreadyClosed := func() ([]*periodicTimer, bool) {
		r.mut.Lock()
		defer r.mut.Unlock()

		if r.closed {
			return nil, true
		}
		r.closed = true
		r.ready = false
		return r.timers, false
	}()
	if alreadyClosed {
		return nil
	}

	for _, t := range timers {
		t.stop()
	}

	err := r.srv.Close()
	for _, p := range r.cluster.peers {
		p.closeIdleConnections()
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	r.logger.Info("Closed")
	return multierr.Combine(err, r.cmdLog.Close(), r.snapshots.Close())
}

func (r *Replica) Leader() int {
	r.electionMut.Lock()
	defer r.electionMut.Unlock()
	return r.leader
}

func (r *Replica) Vector() VectorStamp {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.vector.Clone()
}

func (r *Replica) committedCount() int64 {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.vector.Sum()
}

func (r *Replica) checkWritable() error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed {
		return ErrClosed
	}
	if !r.ready {
		return ErrNotReady
	}
	return nil
}

type Status struct {
	Id        int         `json:"id"`
	Leader    int         `json:"leader"`
	Vector    VectorStamp `json:"vector"`
	Reachable []bool      `json:"reachable"`
	Ready     bool        `json:"ready"`
	Rooms     []string    `json:"rooms"`
	Buffered  int         `json:"buffered"`
	Hidden    int         `json:"hidden"`
}

func (r *Replica) Status() Status {
	leader := r.Leader()

	r.mut.Lock()
	defer r.mut.Unlock()

	hidden := 0
	for _, sessions := range r.hidden {
		hidden += len(sessions)
	}
	return Status{
		Id:        r.id,
		Leader:    leader,
		Vector:    r.vector.Clone(),
		Reachable: r.unguardedReachable(),
		Ready:     r.ready,
		Rooms:     r.rooms.names(),
		Buffered:  r.buffered.size(),
		Hidden:    hidden,
	}
}

func (r *Replica) logStatus() {
	s := r.Status()
	r.logger.Infow("Status",
		"leader", s.Leader, "vector", s.Vector.String(), "reachable", s.Reachable,
		"buffered", s.Buffered, "hidden", s.Hidden, "rooms", len(s.Rooms))
}
