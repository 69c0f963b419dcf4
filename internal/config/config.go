// Package config holds the tunables for the Master and ChunkServer
// processes. Construction uses functional options so that an out-of-scope
// YAML/flag loader can build one of these without this package depending
// on it.
package config

import (
	"time"

	petname "github.com/dustinkirkland/golang-petname"
)

// MasterConfig holds the Master's tunables, with the defaults named in
// the external interfaces it exposes.
type MasterConfig struct {
	Host              string
	Port              int
	MetadataDir       string
	SnapshotFile      string
	WALFile           string
	ChunkSize         int64
	ReplicationFactor int
	HeartbeatTimeout  time.Duration
	LeaseDuration     time.Duration

	// BackgroundTick is the failure-detection/re-replication loop period.
	BackgroundTick time.Duration
	// RepairBatchSize bounds how many chunks are repaired per tick.
	RepairBatchSize int
	// GCInterval is how often the garbage-collection pass runs.
	GCInterval time.Duration
	// GCRetention is how long a chunk must sit unreferenced before it is
	// physically deleted.
	GCRetention time.Duration
	// CheckpointInterval is how often the metadata snapshot is rewritten.
	CheckpointInterval time.Duration

	// CompressSnapshot enables zstd compression of metadata_snapshot.json.
	CompressSnapshot bool

	// RPCTimeout bounds every Master→ChunkServer network call.
	RPCTimeout time.Duration

	// RegisterRateLimit and RegisterBurst bound the rate of
	// register/heartbeat calls accepted per ChunkServer id.
	RegisterRateLimit float64
	RegisterBurst     int
}

// MasterOption customizes a MasterConfig built by NewMasterConfig.
type MasterOption func(*MasterConfig)

// NewMasterConfig returns a MasterConfig with the documented defaults,
// applying any supplied options.
func NewMasterConfig(opts ...MasterOption) MasterConfig {
	cfg := MasterConfig{
		Host:               "localhost",
		Port:               8000,
		MetadataDir:        "data/master",
		SnapshotFile:       "metadata_snapshot.json",
		WALFile:            "wal.log",
		ChunkSize:          64 * 1024 * 1024,
		ReplicationFactor:  3,
		HeartbeatTimeout:   30 * time.Second,
		LeaseDuration:      60 * time.Second,
		BackgroundTick:     5 * time.Second,
		RepairBatchSize:    2,
		GCInterval:         time.Hour,
		GCRetention:        24 * time.Hour,
		CheckpointInterval: 60 * time.Second,
		RPCTimeout:         10 * time.Second,
		RegisterRateLimit:  5,
		RegisterBurst:      10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMasterAddr(host string, port int) MasterOption {
	return func(c *MasterConfig) { c.Host = host; c.Port = port }
}

func WithMasterMetadataDir(dir string) MasterOption {
	return func(c *MasterConfig) { c.MetadataDir = dir }
}

func WithReplicationFactor(n int) MasterOption {
	return func(c *MasterConfig) { c.ReplicationFactor = n }
}

func WithChunkSize(n int64) MasterOption {
	return func(c *MasterConfig) { c.ChunkSize = n }
}

func WithSnapshotCompression(enabled bool) MasterOption {
	return func(c *MasterConfig) { c.CompressSnapshot = enabled }
}

// ChunkServerConfig holds a single ChunkServer's tunables.
type ChunkServerConfig struct {
	ID                string
	Host              string
	Port              int
	MasterAddress     string
	DataDir           string
	ChunkSize         int64
	HeartbeatInterval time.Duration
	RackID            string
	RPCTimeout        time.Duration
}

// ChunkServerOption customizes a ChunkServerConfig built by
// NewChunkServerConfig.
type ChunkServerOption func(*ChunkServerConfig)

// NewChunkServerConfig returns a ChunkServerConfig with the documented
// defaults, applying any supplied options. If no id is set (directly or
// via WithChunkServerID), a human-readable one is generated so operators
// can tell servers apart in logs without hunting for a UUID.
func NewChunkServerConfig(opts ...ChunkServerOption) ChunkServerConfig {
	cfg := ChunkServerConfig{
		Host:              "localhost",
		Port:              8001,
		MasterAddress:     "http://localhost:8000",
		DataDir:           "data/chunks",
		ChunkSize:         64 * 1024 * 1024,
		HeartbeatInterval: 10 * time.Second,
		RackID:            "default",
		RPCTimeout:        10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	return cfg
}

func WithChunkServerID(id string) ChunkServerOption {
	return func(c *ChunkServerConfig) { c.ID = id }
}

func WithChunkServerAddr(host string, port int) ChunkServerOption {
	return func(c *ChunkServerConfig) { c.Host = host; c.Port = port }
}

func WithMasterAddress(addr string) ChunkServerOption {
	return func(c *ChunkServerConfig) { c.MasterAddress = addr }
}

func WithDataDir(dir string) ChunkServerOption {
	return func(c *ChunkServerConfig) { c.DataDir = dir }
}

func WithChunkServerChunkSize(n int64) ChunkServerOption {
	return func(c *ChunkServerConfig) { c.ChunkSize = n }
}

func WithRackID(rack string) ChunkServerOption {
	return func(c *ChunkServerConfig) { c.RackID = rack }
}

// ClientConfig holds the coordination library's tunables.
type ClientConfig struct {
	MasterAddress string
	ChunkSize     int64
	RPCTimeout    time.Duration
	// PipelineConcurrency bounds how many secondary replicas a write
	// fans out to at once.
	PipelineConcurrency int
}

// ClientOption customizes a ClientConfig built by NewClientConfig.
type ClientOption func(*ClientConfig)

// NewClientConfig returns a ClientConfig with the documented defaults,
// applying any supplied options.
func NewClientConfig(opts ...ClientOption) ClientConfig {
	cfg := ClientConfig{
		MasterAddress:       "http://localhost:8000",
		ChunkSize:           64 * 1024 * 1024,
		RPCTimeout:          30 * time.Second,
		PipelineConcurrency: 3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithClientMasterAddress(addr string) ClientOption {
	return func(c *ClientConfig) { c.MasterAddress = addr }
}

func WithClientChunkSize(n int64) ClientOption {
	return func(c *ClientConfig) { c.ChunkSize = n }
}
