package graftchat

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	FileSnapshotBackend   = "file"
	BadgerSnapshotBackend = "badger"
)

type Config struct {
	Id            int
	ClusterUrls   []string // Server index -> replica RPC address.
	Dir           string
	InitialLeader int

	ProposalTimeout       time.Duration
	PendingProposalTtl    time.Duration
	LeaderDebounce        time.Duration
	ElectionAttempts      int
	ElectionRetryInterval time.Duration
	AntiEntropyInterval   time.Duration
	PresenceTimeout       time.Duration
	PurgeInterval         time.Duration
	RpcTimeout            time.Duration
	StatusInterval        time.Duration
	FanOutLimit           int

	MemoryMapped    bool
	// NoSync skips the fsync after each command log append. A crash of the machine may then lose the newest
	// commands of this replica, which recovery pulls back from peers if they have them.
	NoSync          bool
	SnapshotBackend string

	// Transport is used for calls to peers, http.DefaultTransport if nil.
	Transport http.RoundTripper
	Clock     Clock
	Logger    *zap.Logger
}

func (c Config) Validate() error {
	if len(c.ClusterUrls) == 0 {
		return fmt.Errorf("ClusterUrls is required")
	}
	if c.Id < 0 || c.Id >= len(c.ClusterUrls) {
		return fmt.Errorf("Id must index ClusterUrls: %d not in [0, %d)", c.Id, len(c.ClusterUrls))
	}
	for i, url := range c.ClusterUrls {
		if url == "" {
			return fmt.Errorf("ClusterUrls[%d] is empty", i)
		}
	}
	if c.InitialLeader < 0 || c.InitialLeader >= len(c.ClusterUrls) {
		return fmt.Errorf("InitialLeader must index ClusterUrls: %d", c.InitialLeader)
	}
	if c.Dir == "" {
		return fmt.Errorf("Dir is required")
	}
	switch c.SnapshotBackend {
	case "", FileSnapshotBackend, BadgerSnapshotBackend:
	default:
		return fmt.Errorf("unknown SnapshotBackend %q", c.SnapshotBackend)
	}
	if c.ElectionAttempts < 0 || c.FanOutLimit < 0 {
		return fmt.Errorf("ElectionAttempts and FanOutLimit must not be negative")
	}
	return nil
}

func (c Config) LoggerOrNoop() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// WithDefaults returns the config with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	setDefault(&c.ProposalTimeout, 1*time.Second)
	setDefault(&c.PendingProposalTtl, 1*time.Second)
	setDefault(&c.LeaderDebounce, 500*time.Millisecond)
	setDefault(&c.ElectionAttempts, 5)
	setDefault(&c.ElectionRetryInterval, 100*time.Millisecond)
	setDefault(&c.AntiEntropyInterval, 500*time.Millisecond)
	setDefault(&c.PresenceTimeout, 60*time.Second)
	setDefault(&c.PurgeInterval, 5*time.Second)
	setDefault(&c.RpcTimeout, 500*time.Millisecond)
	setDefault(&c.StatusInterval, 10*time.Second)
	setDefault(&c.FanOutLimit, 8)
	setDefault(&c.SnapshotBackend, FileSnapshotBackend)
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	return c
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func (c Config) String() string {
	return fmt.Sprintf(
		"Config{Id: %d, ClusterUrls: %v, Dir: %s, InitialLeader: %d, ProposalTimeout: %v, AntiEntropyInterval: %v, SnapshotBackend: %s}",
		c.Id, c.ClusterUrls, c.Dir, c.InitialLeader, c.ProposalTimeout, c.AntiEntropyInterval, c.SnapshotBackend)
}
