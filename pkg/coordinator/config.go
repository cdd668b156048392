package coordinator

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pollsync/pkg/election"
	"pollsync/pkg/fetch"
	"pollsync/pkg/sharedstore"
	"pollsync/pkg/storage"
	"pollsync/pkg/transport"
)

const DefaultInterval = 5 * time.Second

// Config wires a coordinator to its collaborators. KV and Fetcher are
// required; everything else has a default.
type Config struct {
	// PeerID defaults to NewPeerID().
	PeerID string

	URL          string
	FetchOptions fetch.Options
	// Schedule overrides Interval when set.
	Schedule cron.Schedule
	Interval time.Duration

	Keys      sharedstore.Keys
	Election  election.Config
	Transport transport.Config
	OpTimeout time.Duration

	KV      storage.KV
	Bus     transport.Bus // optional
	Fetcher fetch.Fetcher
	Archive storage.ResultArchive // optional

	Logger *zap.Logger
}

// Options is a partial reconfiguration; nil fields are left unchanged.
type Options struct {
	URL          *string
	FetchOptions *fetch.Options
	Interval     *time.Duration
	Schedule     cron.Schedule
}

// NewPeerID returns "<hostname>-<8 hex chars>".
func NewPeerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "peer"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func (c *Config) setDefaults() {
	if c.PeerID == "" {
		c.PeerID = NewPeerID()
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	defaults := sharedstore.DefaultKeys()
	if c.Keys.Leader == "" {
		c.Keys.Leader = defaults.Leader
	}
	if c.Keys.Enabled == "" {
		c.Keys.Enabled = defaults.Enabled
	}
	if c.Keys.Result == "" {
		c.Keys.Result = defaults.Result
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 2 * time.Second
	}
	if c.Transport == (transport.Config{}) {
		c.Transport = transport.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) validate() error {
	if c.KV == nil {
		return fmt.Errorf("coordinator: KV store is required")
	}
	if c.Fetcher == nil {
		return fmt.Errorf("coordinator: fetcher is required")
	}
	k := c.Keys
	if k.Leader == k.Enabled || k.Leader == k.Result || k.Enabled == k.Result {
		return fmt.Errorf("coordinator: store keys must be distinct")
	}
	return nil
}
