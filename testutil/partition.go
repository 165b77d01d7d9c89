package testutil

import (
	"fmt"
	"net/http"
	"sync"
)

// Partition is a switchboard of network links between servers. Each server gets a RoundTripper from
// Transport that fails calls to the servers it is cut off from.
type Partition struct {
	addresses []string
	cut       map[[2]int]bool
	mut       sync.Mutex
}

func NewPartition(addresses []string) *Partition {
	return &Partition{
		addresses: addresses,
		cut:       make(map[[2]int]bool),
	}
}

// Isolate cuts every link of server i.
func (p *Partition) Isolate(i int) {
	p.mut.Lock()
	defer p.mut.Unlock()

	for j := range p.addresses {
		if j != i {
			p.cut[link(i, j)] = true
		}
	}
}

// Cut cuts the link between servers i and j both ways.
func (p *Partition) Cut(i int, j int) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.cut[link(i, j)] = true
}

func (p *Partition) Heal() {
	p.mut.Lock()
	defer p.mut.Unlock()
	clear(p.cut)
}

func (p *Partition) isCut(from int, address string) bool {
	p.mut.Lock()
	defer p.mut.Unlock()

	for to, a := range p.addresses {
		if a == address {
			return p.cut[link(from, to)]
		}
	}
	return false
}

func (p *Partition) Transport(from int) http.RoundTripper {
	return &partitionedTransport{
		from:      from,
		partition: p,
		delegate:  http.DefaultTransport.(*http.Transport).Clone(),
	}
}

func link(i int, j int) [2]int {
	if i > j {
		i, j = j, i
	}
	return [2]int{i, j}
}

type partitionedTransport struct {
	from      int
	partition *Partition
	delegate  *http.Transport
}

func (t *partitionedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.partition.isCut(t.from, req.URL.Host) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("link from server %d to %s is cut", t.from, req.URL.Host)
	}
	return t.delegate.RoundTrip(req)
}
