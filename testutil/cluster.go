package testutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/mizosoft/graftchat"
	"github.com/mizosoft/graftchat/service"
	"go.uber.org/zap"
)

type ClusterConfig struct {
	Dir             string
	NodeCount       int
	SnapshotBackend string
	Logger          *zap.Logger

	// Configure adjusts each node's replica config before it starts.
	Configure func(config *graftchat.Config)
}

type node struct {
	service *service.ChatService
	config  graftchat.Config
	address string
}

// Cluster is a set of chat services running on loopback, with replica links going through a Partition.
type Cluster struct {
	nodes     []*node
	Partition *Partition
}

func (c *Cluster) Size() int {
	return len(c.nodes)
}

// Node returns the running service of server i, nil if it is killed.
func (c *Cluster) Node(i int) *service.ChatService {
	return c.nodes[i].service
}

func (c *Cluster) Replica(i int) *graftchat.Replica {
	if n := c.nodes[i]; n.service != nil {
		return n.service.Replica()
	}
	return nil
}

// ServiceAddresses returns the client-facing address of each server.
func (c *Cluster) ServiceAddresses() []string {
	addresses := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		addresses[i] = n.address
	}
	return addresses
}

// Kill stops server i without letting it end its clients' sessions, as a crash would.
func (c *Cluster) Kill(i int) error {
	n := c.nodes[i]
	if n.service == nil {
		return fmt.Errorf("node %d is not running", i)
	}
	err := n.service.Close()
	n.service = nil
	return err
}

// Restart starts server i again over its data directory.
func (c *Cluster) Restart(i int) error {
	n := c.nodes[i]
	if n.service != nil {
		if err := c.Kill(i); err != nil {
			return err
		}
	}

	srv, err := service.NewChatService(n.address, n.config)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return errors.Join(err, srv.Close())
	}
	n.service = srv
	return nil
}

func (c *Cluster) Shutdown() error {
	var errs []error
	for i, n := range c.nodes {
		if n.service != nil {
			if err := c.Kill(i); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// StartLocalCluster starts config.NodeCount servers following server 0. Startup of each server blocks
// until its replica is ready.
func StartLocalCluster(t *testing.T, config ClusterConfig) (*Cluster, error) {
	replicaAddresses := FreeAddresses(t, config.NodeCount)
	serviceAddresses := FreeAddresses(t, config.NodeCount)

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cluster := &Cluster{
		nodes:     make([]*node, config.NodeCount),
		Partition: NewPartition(replicaAddresses),
	}
	for i := range config.NodeCount {
		replicaConfig := graftchat.Config{
			Id:                  i,
			ClusterUrls:         replicaAddresses,
			Dir:                 filepath.Join(config.Dir, strconv.Itoa(i)),
			InitialLeader:       0,
			ProposalTimeout:     500 * time.Millisecond,
			LeaderDebounce:      200 * time.Millisecond,
			AntiEntropyInterval: 100 * time.Millisecond,
			RpcTimeout:          200 * time.Millisecond,
			SnapshotBackend:     config.SnapshotBackend,
			Transport:           cluster.Partition.Transport(i),
			Logger:              logger,
		}
		if config.Configure != nil {
			config.Configure(&replicaConfig)
		}
		cluster.nodes[i] = &node{config: replicaConfig, address: serviceAddresses[i]}
	}

	for i := range cluster.nodes {
		if err := cluster.Restart(i); err != nil {
			return nil, errors.Join(err, cluster.Shutdown())
		}
	}
	return cluster, nil
}
