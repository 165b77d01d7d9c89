package graftchat

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type peerResult[T any] struct {
	peer  int
	value T
	err   error
}

// fanOut calls every peer with at most limit calls in flight and streams the results. The channel is
// closed after the last call returns and buffers every result, so callers may stop reading early.
func fanOut[T any](ctx context.Context, peers []*peer, limit int, call func(context.Context, *peer) (T, error)) <-chan peerResult[T] {
	results := make(chan peerResult[T], len(peers))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	go func() {
		for _, p := range peers {
			g.Go(func() error {
				value, err := call(ctx, p)
				results <- peerResult[T]{peer: p.id, value: value, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()
	return results
}

// broadcastEntries sends committed entries to peers without waiting for them.
func (r *Replica) broadcastEntries(entries []LogEntry, exclude ...int) {
	if len(entries) == 0 {
		return
	}

	lines, err := encodeEntries(entries)
	if err != nil {
		r.logger.Errorw("Error encoding entries for broadcast", "error", err)
		return
	}

	peers := r.cluster.peersExcept(exclude...)
	results := fanOut(context.Background(), peers, r.config.FanOutLimit, func(ctx context.Context, p *peer) (struct{}, error) {
		for _, line := range lines {
			if err := p.processCommand(ctx, commandRequest{Sender: r.id, Line: line}); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	go func() {
		for res := range results {
			if res.err != nil {
				// Anti-entropy delivers what the broadcast missed.
				r.logger.Debugw("Broadcast failed", "peer", res.peer, "error", res.err)
			}
		}
	}()
}
