package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/gofrs/flock"
	"github.com/lni/dragonboat/v4/logger"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var plog = logger.GetLogger("quota")

// PolicyFileName is the name of the policy file inside the data dir
const PolicyFileName = "quota.json"

// --------------------------------------------------------------------------
// File backed policy store
// --------------------------------------------------------------------------

// PolicyOverride is one persisted policy value of an origin.
type PolicyOverride struct {
	Origin    string `json:"origin"`
	Attribute string `json:"attribute"`
	Value     int64  `json:"value"`
}

type overrideKey struct {
	origin string
	attr   quota.Attribute
}

// PolicyFile is a quota.PolicyStore that keeps its overrides in a JSON file,
// so answers of the quota prompt (and `wstore quota set`) outlive the process.
//
// Several processes may share the file. Every write re-reads it under the
// file lock and only replaces the overrides this process changed, everything
// else is taken over from the file.
type PolicyFile struct {
	path string
	mem  *quota.MemoryPolicy

	mu        sync.Mutex
	overrides map[overrideKey]int64
	dirty     map[overrideKey]bool // changed since the last write
}

// OpenPolicyFile loads the overrides stored at path. A missing file is an
// empty policy.
func OpenPolicyFile(path string, defaults quota.Defaults) (*PolicyFile, error) {
	overrides, err := readOverrides(path)
	if err != nil {
		return nil, err
	}
	p := &PolicyFile{
		path:      path,
		mem:       quota.NewMemoryPolicy(defaults),
		overrides: overrides,
		dirty:     make(map[overrideKey]bool),
	}
	for k, v := range overrides {
		p.mem.Set(k.origin, k.attr, v)
	}
	return p, nil
}

// readOverrides parses the policy file at path. A missing file has no overrides.
func readOverrides(path string) (map[overrideKey]int64, error) {
	overrides := make(map[overrideKey]int64)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return overrides, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var list []PolicyOverride
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	for _, o := range list {
		attr, err := quota.ParseAttribute(o.Attribute)
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
		}
		overrides[keyOf(o.Origin, attr)] = o.Value
	}
	return overrides, nil
}

func keyOf(origin string, attr quota.Attribute) overrideKey {
	if attr == quota.AttrGlobalQuota {
		origin = ""
	}
	return overrideKey{origin, attr}
}

// Get returns the override for (origin, attr) or the default.
func (p *PolicyFile) Get(origin string, attr quota.Attribute) int64 {
	return p.mem.Get(origin, attr)
}

// Set stores an override and writes the policy file. A failed write is
// logged, the override stays in effect for this process.
func (p *PolicyFile) Set(origin string, attr quota.Attribute, value int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := keyOf(origin, attr)
	p.mem.Set(origin, attr, value)
	p.overrides[k] = value
	p.dirty[k] = true
	if err := p.save(); err != nil {
		plog.Errorf("failed to write policy file %s: %v", p.path, err)
	}
}

// Reset drops all overrides of an origin and writes the policy file.
func (p *PolicyFile) Reset(origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// overrides written by other processes are only known after the re-read
	return p.withLock(func() error {
		if err := p.merge(); err != nil {
			return err
		}
		p.mem.Reset(origin)
		for k := range p.overrides {
			if k.origin == origin && k.attr != quota.AttrGlobalQuota {
				delete(p.overrides, k)
				p.dirty[k] = true
			}
		}
		return p.write()
	})
}

// Overrides returns all persisted overrides sorted by origin and attribute.
func (p *PolicyFile) Overrides() []PolicyOverride {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list()
}

func (p *PolicyFile) list() []PolicyOverride {
	keys := make([]overrideKey, 0, len(p.overrides))
	for k := range p.overrides {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].origin != keys[j].origin {
			return keys[i].origin < keys[j].origin
		}
		return keys[i].attr < keys[j].attr
	})

	list := make([]PolicyOverride, 0, len(keys))
	for _, k := range keys {
		list = append(list, PolicyOverride{Origin: k.origin, Attribute: k.attr.String(), Value: p.overrides[k]})
	}
	return list
}

// save merges the file and writes all overrides. Must be called with mu held.
func (p *PolicyFile) save() error {
	return p.withLock(func() error {
		if err := p.merge(); err != nil {
			return err
		}
		return p.write()
	})
}

// withLock runs fn holding the file lock.
func (p *PolicyFile) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	lock := flock.New(p.path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() {
		_ = lock.Unlock()
	}()
	return fn()
}

// merge takes over every override of the file this process did not change.
// An unreadable file is overwritten. Must be called with mu and the file lock held.
func (p *PolicyFile) merge() error {
	stored, err := readOverrides(p.path)
	if err != nil {
		plog.Warningf("ignoring unreadable policy file: %v", err)
		return nil
	}
	for k := range p.overrides {
		if _, ok := stored[k]; !ok && !p.dirty[k] {
			// removed by another process
			delete(p.overrides, k)
			p.mem.Delete(k.origin, k.attr)
		}
	}
	for k, v := range stored {
		if !p.dirty[k] {
			p.overrides[k] = v
			p.mem.Set(k.origin, k.attr, v)
		}
	}
	return nil
}

// write replaces the file atomically. Must be called with mu and the file lock held.
func (p *PolicyFile) write() error {
	data, err := json.MarshalIndent(p.list(), "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return err
	}
	clear(p.dirty)
	return nil
}
