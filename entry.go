package graftchat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type OpKind int

const (
	OpJoin OpKind = iota + 1
	OpLeave
	OpNewMessage
	OpLike
	OpUnlike
)

func (k OpKind) String() string {
	switch k {
	case OpJoin:
		return "join"
	case OpLeave:
		return "leave"
	case OpNewMessage:
		return "newMessage"
	case OpLike:
		return "like"
	case OpUnlike:
		return "unlike"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

func parseOpKind(s string) (OpKind, error) {
	for k := OpJoin; k <= OpUnlike; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// Operation is one of Join, Leave, NewMessage, Like or Unlike.
type Operation interface {
	Kind() OpKind
}

type Join struct {
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type Leave struct {
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type NewMessage struct {
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Like struct {
	User      string    `json:"user"`
	Room      string    `json:"room"`
	MessageId string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

type Unlike struct {
	User      string    `json:"user"`
	Room      string    `json:"room"`
	MessageId string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

func (Join) Kind() OpKind       { return OpJoin }
func (Leave) Kind() OpKind      { return OpLeave }
func (NewMessage) Kind() OpKind { return OpNewMessage }
func (Like) Kind() OpKind       { return OpLike }
func (Unlike) Kind() OpKind     { return OpUnlike }

// LogEntry is a committed command. Seq counts commands originated by Origin, starting at 1.
type LogEntry struct {
	Origin int
	Seq    int64
	Op     Operation
}

func (e LogEntry) String() string {
	return fmt.Sprintf("{origin: %d, seq: %d, op: %v}", e.Origin, e.Seq, e.Op.Kind())
}

// MessageId returns the id given to the message created by a NewMessage entry.
func (e LogEntry) MessageId() string {
	return fmt.Sprintf("%d-%d", e.Origin, e.Seq)
}

// Encode renders the entry as a single log line (without the trailing newline):
// origin|seq|operation|payload, payload being the JSON of the operation.
func (e LogEntry) Encode() (string, error) {
	payload, err := json.Marshal(e.Op)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d|%d|%s|%s", e.Origin, e.Seq, e.Op.Kind(), payload), nil
}

func DecodeEntry(line string) (LogEntry, error) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return LogEntry{}, fmt.Errorf("malformed log line %q", line)
	}

	origin, err := strconv.Atoi(parts[0])
	if err != nil || origin < 0 {
		return LogEntry{}, fmt.Errorf("malformed origin in log line %q", line)
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq <= 0 {
		return LogEntry{}, fmt.Errorf("malformed sequence number in log line %q", line)
	}
	kind, err := parseOpKind(parts[2])
	if err != nil {
		return LogEntry{}, err
	}

	op, err := decodeOperation(kind, []byte(parts[3]))
	if err != nil {
		return LogEntry{}, fmt.Errorf("decoding %v payload: %w", kind, err)
	}
	return LogEntry{Origin: origin, Seq: seq, Op: op}, nil
}

func decodeOperation(kind OpKind, payload []byte) (Operation, error) {
	switch kind {
	case OpJoin:
		return decodePayload[Join](payload)
	case OpLeave:
		return decodePayload[Leave](payload)
	case OpNewMessage:
		return decodePayload[NewMessage](payload)
	case OpLike:
		return decodePayload[Like](payload)
	case OpUnlike:
		return decodePayload[Unlike](payload)
	default:
		return nil, fmt.Errorf("unknown operation %v", kind)
	}
}

func decodePayload[T Operation](payload []byte) (Operation, error) {
	var op T
	if err := json.Unmarshal(payload, &op); err != nil {
		return nil, err
	}
	return op, nil
}

func encodeEntries(entries []LogEntry) ([]string, error) {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		line, err := entry.Encode()
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func decodeEntries(lines []string) ([]LogEntry, error) {
	entries := make([]LogEntry, 0, len(lines))
	for _, line := range lines {
		entry, err := DecodeEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
