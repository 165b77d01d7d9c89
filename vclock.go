package graftchat

import (
	"fmt"
	"strings"
)

// VectorStamp holds, per server index, how many commands originated by that server have been applied.
type VectorStamp []int64

func newVectorStamp(n int) VectorStamp {
	return make(VectorStamp, n)
}

func (v VectorStamp) Sum() int64 {
	var sum int64
	for _, c := range v {
		sum += c
	}
	return sum
}

func (v VectorStamp) Clone() VectorStamp {
	return append(VectorStamp(nil), v...)
}

// Covers reports whether v has applied everything other has.
func (v VectorStamp) Covers(other VectorStamp) bool {
	for i, c := range other {
		if i >= len(v) || v[i] < c {
			return false
		}
	}
	return true
}

func (v VectorStamp) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = fmt.Sprint(c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// replayBuffer parks entries that arrived ahead of their origin's next expected sequence number.
type replayBuffer map[int]map[int64]LogEntry

func (b replayBuffer) put(entry LogEntry) {
	byOrigin, ok := b[entry.Origin]
	if !ok {
		byOrigin = make(map[int64]LogEntry)
		b[entry.Origin] = byOrigin
	}
	byOrigin[entry.Seq] = entry
}

func (b replayBuffer) take(origin int, seq int64) (LogEntry, bool) {
	entry, ok := b[origin][seq]
	if ok {
		delete(b[origin], seq)
	}
	return entry, ok
}

func (b replayBuffer) size() int {
	n := 0
	for _, byOrigin := range b {
		n += len(byOrigin)
	}
	return n
}
