package common

import (
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage/backend"
	"github.com/ValentinKolb/wstore/lib/storage/persist"
	"github.com/ValentinKolb/wstore/lib/storage/persist/codec"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"path/filepath"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Engine configuration struct
// --------------------------------------------------------------------------

// PersistenceBackend selects how tables are written to the data dir.
type PersistenceBackend string

const (
	BackendFile PersistenceBackend = "file" // one file per origin, encoded with Codec
	BackendBolt PersistenceBackend = "bolt" // one bbolt database, one bucket per origin
)

// EngineConfig holds all configuration parameters of the storage engine.
type EngineConfig struct {
	// Storage
	DataDir string
	Backend PersistenceBackend
	Codec   string

	// Scheduling
	FlushDelay     time.Duration
	LoadRetries    int
	LoadRetryDelay time.Duration
	ReadOnlyPairs  bool

	// Quota (in bytes, -1 = unlimited)
	OriginQuota   int64
	GlobalQuota   int64
	QuotaHandling string

	// Logging configuration
	LogLevel string
}

// DefaultEngineConfig returns the configuration used without any flags.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DataDir:        "./wstore-data",
		Backend:        BackendFile,
		Codec:          "binary",
		FlushDelay:     backend.DefaultFlushDelay,
		LoadRetries:    backend.DefaultLoadRetries,
		LoadRetryDelay: backend.DefaultLoadRetryDelay,
		OriginQuota:    5 * 1024 * 1024,
		GlobalQuota:    quota.Unlimited,
		QuotaHandling:  quota.HandlingAsk.String(),
		LogLevel:       "info",
	}
}

// Options converts the configuration to backend options.
func (c *EngineConfig) Options() backend.Options {
	return backend.Options{
		FlushDelay:     c.FlushDelay,
		LoadRetries:    c.LoadRetries,
		LoadRetryDelay: c.LoadRetryDelay,
		ReadOnlyPairs:  c.ReadOnlyPairs,
	}
}

// QuotaDefaults converts the configuration to quota policy defaults.
func (c *EngineConfig) QuotaDefaults() (quota.Defaults, error) {
	handling, err := quota.ParseHandling(c.QuotaHandling)
	if err != nil {
		return quota.Defaults{}, err
	}
	return quota.Defaults{
		OriginQuota: c.OriginQuota,
		GlobalQuota: c.GlobalQuota,
		Handling:    handling,
	}, nil
}

// OpenPolicy loads the quota policy file of the data dir with the configured
// defaults.
func (c *EngineConfig) OpenPolicy() (*PolicyFile, error) {
	defaults, err := c.QuotaDefaults()
	if err != nil {
		return nil, err
	}
	return OpenPolicyFile(filepath.Join(c.DataDir, PolicyFileName), defaults)
}

// OpenStore opens the persistence backend in DataDir.
func (c *EngineConfig) OpenStore() (persist.Store, error) {
	switch c.Backend {
	case BackendFile:
		cd, err := codec.New(c.Codec)
		if err != nil {
			return nil, err
		}
		s, err := persist.NewFileStore(c.DataDir, cd)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBolt:
		s, err := persist.NewBoltStore(c.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("invalid persistence backend %q (expected file or bolt)", c.Backend)
	}
}

// NewManager opens the store and creates a manager over it using policy for
// quota attributes. A nil policy uses an in-memory policy with the configured
// defaults.
func (c *EngineConfig) NewManager(policy quota.PolicyStore, listener quota.Listener) (*backend.Manager, error) {
	if policy == nil {
		defaults, err := c.QuotaDefaults()
		if err != nil {
			return nil, err
		}
		policy = quota.NewMemoryPolicy(defaults)
	}
	store, err := c.OpenStore()
	if err != nil {
		return nil, err
	}
	return backend.NewManager(backend.Config{
		Store:    store,
		Policy:   policy,
		Listener: listener,
		Options:  c.Options(),
	}), nil
}

// String returns a formatted string representation of the configuration
func (c *EngineConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	quotaString := func(q int64) string {
		if q == quota.Unlimited {
			return "unlimited"
		}
		return fmt.Sprintf("%d bytes", q)
	}

	// Storage
	addSection("Storage")
	addField("Data Directory", c.DataDir)
	addField("Backend", string(c.Backend))
	if c.Backend == BackendFile {
		addField("Codec", c.Codec)
	}

	// Scheduling
	addSection("Scheduling")
	addField("Flush Delay", c.FlushDelay.String())
	addField("Load Retries", fmt.Sprintf("%d", c.LoadRetries))
	addField("Load Retry Delay", c.LoadRetryDelay.String())
	addField("Read-Only Pairs", fmt.Sprintf("%t", c.ReadOnlyPairs))

	// Quota
	addSection("Quota")
	addField("Origin Quota", quotaString(c.OriginQuota))
	addField("Global Quota", quotaString(c.GlobalQuota))
	addField("Handling", c.QuotaHandling)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
