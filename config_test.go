package graftchat

import (
	"net/http"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{Id: 1, ClusterUrls: []string{"a:1", "b:2"}, Dir: "d"}
	assert.NilError(t, valid.Validate())

	for name, mutate := range map[string]func(c *Config){
		"no cluster":       func(c *Config) { c.ClusterUrls = nil },
		"id out of range":  func(c *Config) { c.Id = 2 },
		"empty url":        func(c *Config) { c.ClusterUrls[0] = "" },
		"bad leader":       func(c *Config) { c.InitialLeader = -1 },
		"no dir":           func(c *Config) { c.Dir = "" },
		"bad backend":      func(c *Config) { c.SnapshotBackend = "tape" },
		"negative fan-out": func(c *Config) { c.FanOutLimit = -1 },
	} {
		c := valid
		c.ClusterUrls = append([]string(nil), valid.ClusterUrls...)
		mutate(&c)
		assert.Assert(t, c.Validate() != nil, name)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{ProposalTimeout: 3 * time.Second}.WithDefaults()
	assert.Equal(t, c.ProposalTimeout, 3*time.Second)
	assert.Equal(t, c.PendingProposalTtl, time.Second)
	assert.Equal(t, c.PresenceTimeout, 60*time.Second)
	assert.Equal(t, c.FanOutLimit, 8)
	assert.Equal(t, c.SnapshotBackend, FileSnapshotBackend)
	assert.Equal(t, c.Transport, http.DefaultTransport)
	assert.Assert(t, c.Clock != nil)
	assert.Assert(t, c.LoggerOrNoop() != nil)
}
