// Package config provides YAML-driven construction of a full ofs.Store:
// a yaml-tagged document with mutually-exclusive backend fields resolved
// by exactly which fields are non-empty, plus the cipher password and the
// Path-ORAM level shape.
package config

import (
	"context"
	"fmt"
	"io/ioutil"

	"gopkg.in/yaml.v2"

	"github.com/pathvault/obliviousfs/cipher"
	"github.com/pathvault/obliviousfs/metrics"
	"github.com/pathvault/obliviousfs/ofs"
	"github.com/pathvault/obliviousfs/remote"
	"github.com/pathvault/obliviousfs/remote/memstore"
)

// Backend selects which remote.Store implementation a Config builds.
type Backend struct {
	// Memory selects remote.NewMemory(), a process-local backend with no
	// persistence; useful for tests and ephemeral deployments.
	Memory bool `yaml:"memory"`

	// MemstorePath selects a sqlite-backed memstore.Store rooted at this
	// file path.
	MemstorePath string `yaml:"memstore-path"`

	// ServerURL selects a remote.Client pointed at a server speaking the
	// remote block-store wire protocol.
	ServerURL string `yaml:"server-url"`
}

func (b *Backend) hasMemstore() bool { return b.MemstorePath != "" }
func (b *Backend) hasServer() bool   { return b.ServerURL != "" }

func (b *Backend) count() int {
	n := 0
	if b.Memory {
		n++
	}
	if b.hasMemstore() {
		n++
	}
	if b.hasServer() {
		n++
	}
	return n
}

// Store resolves b to a concrete remote.Store. The returned closer, if
// non-nil, must be closed (e.g. memstore's underlying database handle) when
// the caller is done with the Store.
func (b *Backend) Store() (remote.Store, func() error, error) {
	switch {
	case b.count() == 0:
		return nil, nil, fmt.Errorf("config: no backend defined")
	case b.count() > 1:
		return nil, nil, fmt.Errorf("config: only one backend may be defined")
	case b.Memory:
		return remote.NewMemory(), func() error { return nil }, nil
	case b.hasMemstore():
		st, err := memstore.Open(b.MemstorePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		cl, err := remote.NewClient(b.ServerURL)
		if err != nil {
			return nil, nil, err
		}
		return cl, func() error { return nil }, nil
	}
}

// Config is the top-level YAML document this package parses: everything
// Load needs to build a ready-to-use *ofs.Store.
type Config struct {
	Backend Backend `yaml:"backend"`

	// Password derives the AEAD key via cipher.New; Domain namespaces the
	// derived key material, defaulting to "ofs" if empty.
	Password string `yaml:"password"`
	Domain   string `yaml:"domain"`

	N         uint64 `yaml:"n"`          // per-level superblock capacity.
	LF        uint32 `yaml:"lf"`         // parts co-located per superblock.
	V         int    `yaml:"v"`          // base block size in bytes.
	Storage   string `yaml:"storage"`    // "ram", "hdd", or "ssd".
	InitLevel int    `yaml:"init-level"`

	AllLevels bool `yaml:"all-levels"`
	NumLevels int  `yaml:"num-levels"`

	NaiveN uint64 `yaml:"naive-n"` // NaiveOram tail capacity (entries).
	NaiveV int    `yaml:"naive-v"` // NaiveOram tail per-entry byte budget.

	Name        string `yaml:"name"`
	UploadStash bool   `yaml:"upload-stash"`
	FirstBuild  bool   `yaml:"first-build"`
}

// Load parses the YAML document at path into a Config.
func Load(path string) (*Config, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) storageType() (ofs.StorageType, error) {
	switch c.Storage {
	case "", "ram":
		return ofs.RAM, nil
	case "hdd":
		return ofs.HDD, nil
	case "ssd":
		return ofs.SSD, nil
	default:
		return 0, fmt.Errorf("config: unrecognized storage type %q", c.Storage)
	}
}

// Store builds the remote.Store backend and *ofs.Store this Config
// describes. coll may be nil to disable metrics. The returned closer must
// be called when the caller is done with the store.
func (c *Config) Store(coll *metrics.Collector) (*ofs.Store, func() error, error) {
	backend, closer, err := c.Backend.Store()
	if err != nil {
		return nil, nil, err
	}

	domain := c.Domain
	if domain == "" {
		domain = "ofs"
	}
	box, err := cipher.New(c.Password, domain)
	if err != nil {
		closer()
		return nil, nil, err
	}

	ofsCfg := ofs.Config{
		N: c.N, LF: c.LF, V: c.V, InitLevel: c.InitLevel,
		AllLevels: c.AllLevels, S: c.NumLevels,
		NaiveN: c.NaiveN, NaiveV: c.NaiveV,
		Box: box, Backend: backend, Name: c.Name,
		UploadStash: c.UploadStash, FirstBuild: c.FirstBuild,
		Metrics: coll,
	}
	if st, err := c.storageType(); err != nil {
		closer()
		return nil, nil, err
	} else {
		ofsCfg.StorageType = st
	}
	store, err := ofs.Construct(context.Background(), ofsCfg)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}
