package graftchat

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func BenchmarkCommandLogAppend(b *testing.B) {
	for _, size := range []int{16, 256, 4096} {
		for _, sync := range []bool{false, true} {
			b.Run(fmt.Sprintf("%dB/sync=%v", size, sync), func(b *testing.B) {
				l, err := openCommandLog(LogOptions{Dir: b.TempDir(), SyncWrites: sync})
				if err != nil {
					b.Fatalf("openCommandLog error: %v", err)
				}
				defer l.Close()

				text := strings.Repeat("x", size)
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					entry := LogEntry{Origin: 0, Seq: int64(i + 1), Op: NewMessage{User: "alice", Room: "general", Text: text, Timestamp: t0}}
					if err := l.Append(entry); err != nil {
						b.Fatalf("append error: %v", err)
					}
				}
			})
		}
	}
}

func BenchmarkCommandLogReadAll(b *testing.B) {
	for _, memoryMapped := range []bool{false, true} {
		b.Run(fmt.Sprintf("mmap=%v", memoryMapped), func(b *testing.B) {
			l, err := openCommandLog(LogOptions{Dir: b.TempDir()})
			if err != nil {
				b.Fatalf("openCommandLog error: %v", err)
			}
			defer l.Close()

			for i := 0; i < 10000; i++ {
				entry := LogEntry{Origin: i % 3, Seq: int64(i/3 + 1), Op: Join{User: fmt.Sprint("user", i), Room: "general", Timestamp: t0}}
				if err := l.Append(entry); err != nil {
					b.Fatalf("append error: %v", err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := l.ReadAll(memoryMapped); err != nil {
					b.Fatalf("read error: %v", err)
				}
			}
		})
	}
}

func BenchmarkSnapshotStoreSaveSessions(b *testing.B) {
	sessions := make([]Session, 1000)
	for i := range sessions {
		sessions[i] = Session{User: fmt.Sprint("user", i), Room: fmt.Sprint("room", i%10)}
	}

	for _, backend := range []string{FileSnapshotBackend, BadgerSnapshotBackend} {
		b.Run(backend, func(b *testing.B) {
			store, err := OpenSnapshotStore(backend, b.TempDir())
			if err != nil {
				b.Fatalf("OpenSnapshotStore error: %v", err)
			}
			defer store.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := store.SaveSessions(sessions); err != nil {
					b.Fatalf("save error: %v", err)
				}
			}
		})
	}
}

func BenchmarkSingleReplicaCommit(b *testing.B) {
	r, err := New(Config{
		ClusterUrls: []string{"127.0.0.1:0"},
		Dir:         b.TempDir(),
	})
	if err != nil {
		b.Fatalf("New error: %v", err)
	}
	defer r.Close()
	if err := r.Start(); err != nil {
		b.Fatalf("Start error: %v", err)
	}

	ctx := context.Background()
	if err := r.Join(ctx, "alice", "general", t0); err != nil {
		b.Fatalf("join error: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.NewMessage(ctx, "alice", "general", "hi", t0); err != nil {
			b.Fatalf("message error: %v", err)
		}
	}
}
