package graftchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type peer struct {
	id        int
	address   string
	timeout   time.Duration
	transport http.RoundTripper
	logger    *zap.SugaredLogger

	// Lazily initialized, protected by mut.
	lazyClient *http.Client
	mut        sync.Mutex
}

func (p *peer) client() *http.Client {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.lazyClient == nil {
		p.lazyClient = &http.Client{Transport: p.transport}
	}
	return p.lazyClient
}

func (p *peer) closeIdleConnections() {
	p.mut.Lock()
	defer p.mut.Unlock()

	if p.lazyClient != nil {
		p.lazyClient.CloseIdleConnections()
	}
}

// call posts request as JSON to path and decodes the reply into response. Any failure to get a reply,
// including a timeout, is reported as ErrConnectionFailure.
func (p *peer) call(ctx context.Context, timeout time.Duration, path string, request any, response any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+p.address+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.client().Do(req)
	if err != nil {
		return connectionFailure(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(res.Body)
		return connectionFailure(fmt.Errorf("peer %d replied %d: %s", p.id, res.StatusCode, bytes.TrimSpace(data)))
	}
	if err := json.NewDecoder(res.Body).Decode(response); err != nil {
		return connectionFailure(err)
	}
	return nil
}

func (p *peer) propose(ctx context.Context, timeout time.Duration, request proposeRequest) error {
	var reply proposalReply
	if err := p.call(ctx, timeout, proposePath, request, &reply); err != nil {
		return err
	}
	return reply.err()
}

func (p *peer) accept(ctx context.Context, request acceptRequest) error {
	var reply proposalReply
	if err := p.call(ctx, p.timeout, acceptPath, request, &reply); err != nil {
		return err
	}
	return reply.err()
}

func (p *peer) serverData(ctx context.Context, request dataRequest) (dataResponse, error) {
	var res dataResponse
	err := p.call(ctx, p.timeout, dataPath, request, &res)
	return res, err
}

func (p *peer) processCommand(ctx context.Context, request commandRequest) error {
	var res commandResponse
	return p.call(ctx, p.timeout, commandPath, request, &res)
}

func (p *peer) leader(ctx context.Context) (int, error) {
	var res leaderResponse
	if err := p.call(ctx, p.timeout, leaderPath, struct{}{}, &res); err != nil {
		return UnknownLeader, err
	}
	return res.Leader, nil
}

func (p *peer) proposeLeader(ctx context.Context, candidate int) (bool, error) {
	var res leaderProposalResponse
	if err := p.call(ctx, p.timeout, leaderProposalPath, leaderProposalRequest{Candidate: candidate}, &res); err != nil {
		return false, err
	}
	return res.Accepted, nil
}

func (p *peer) leaderElected(ctx context.Context, leader int) error {
	var res emptyResponse
	return p.call(ctx, p.timeout, leaderElectedPath, leaderElectedRequest{Leader: leader}, &res)
}

// cluster is the fixed set of servers, indexed identically on every replica.
type cluster struct {
	size  int
	peers []*peer // All servers except this one.
	byId  map[int]*peer
}

func (c *cluster) majorityCount() int {
	return c.size/2 + 1
}

func (c *cluster) peer(id int) (*peer, bool) {
	p, ok := c.byId[id]
	return p, ok
}

func (c *cluster) peersExcept(ids ...int) []*peer {
	var peers []*peer
	for _, p := range c.peers {
		excluded := false
		for _, id := range ids {
			if p.id == id {
				excluded = true
				break
			}
		}
		if !excluded {
			peers = append(peers, p)
		}
	}
	return peers
}

func newCluster(self int, config Config, logger *zap.Logger) *cluster {
	c := &cluster{
		size: len(config.ClusterUrls),
		byId: make(map[int]*peer),
	}
	for id, address := range config.ClusterUrls {
		if id == self {
			continue
		}
		p := &peer{
			id:        id,
			address:   address,
			timeout:   config.RpcTimeout,
			transport: config.Transport,
			logger:    logger.With(zap.String("name", "peer"), zap.Int("peer", id)).Sugar(),
		}
		c.peers = append(c.peers, p)
		c.byId[id] = p
	}
	return c
}
