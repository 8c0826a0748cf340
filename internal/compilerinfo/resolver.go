// Package compilerinfo implements the Compiler-Info Resolver (C4): it
// de-duplicates expensive local-compiler probes and shares the result
// across concurrent waiters, per spec.md §4.4.
package compilerinfo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var log = logrus.WithField("pkg", "compilerinfo")

// PoisonEnvVar is set on every probe subprocess so that if the configured
// "compiler" is actually this proxy's own client shim, it fails loudly
// instead of recursing into the proxy, per spec.md §4.4.
const PoisonEnvVar = "COMPILER_PROXY_POISON=true"

// Key is the cwd-relative fingerprint identifying a compiler binary,
// per spec.md §3 "CompilerInfo" and the GLOSSARY "Fingerprint key".
type Key struct {
	GomaccPath string
	Basename   string
	Cwd        string // "." when PATH is fully absolute
	Path       string
	PathExt    string // only meaningful on platforms that use it
}

func (k Key) String() string {
	return strings.Join([]string{k.GomaccPath, k.Basename, k.Cwd, k.Path, k.PathExt}, "\x00")
}

// Info is the cached description of a local compiler binary.
type Info struct {
	PredefinedMacros map[string]string
	Target           string
	IncludeDirs      []string
	HasFeatures      map[string]bool
	Version          string
	BinaryHash       string

	Disabled       bool
	DisabledReason string
}

// Resolver probes local compilers once per Key and shares the result.
type Resolver struct {
	cache      *cache.Cache
	group      singleflight.Group
	holdingTTL time.Duration
	probe      ProbeFunc
	persist    PersistFunc

	onProbeLaunched func(Key) // test hook: fires exactly once per real probe
}

// ProbeFunc actually runs the compiler with the poison environment and
// parses its output into an Info. Exposed for testing.
type ProbeFunc func(ctx context.Context, k Key, env []string) (Info, error)

// PersistFunc persists the cache to disk between runs; its input comes from
// Snapshot, and LoadSnapshot restores a saved one — see below.
type PersistFunc func(snapshot map[string]Info) error

// New creates a Resolver with the given holding TTL (LRU-ish expiration)
// and a probe implementation.
func New(holdingTTL time.Duration, probe ProbeFunc) *Resolver {
	return &Resolver{
		cache:      cache.New(holdingTTL, holdingTTL/2),
		holdingTTL: holdingTTL,
		probe:      probe,
	}
}

// Resolve returns the Info for k, probing at most once per key even under
// a concurrent burst of callers (spec.md §8 invariant 7). The first caller
// to miss launches the probe; subsequent concurrent callers for the same
// key block on, and share, that same probe's result — this is exactly
// golang.org/x/sync/singleflight's contract, used here instead of a
// hand-rolled waiters map (see SPEC_FULL.md C4 / DESIGN.md).
func (r *Resolver) Resolve(ctx context.Context, k Key, env []string) (Info, error) {
	if v, ok := r.cache.Get(k.String()); ok {
		info := v.(Info)
		r.use(k) // bump LRU-ish recency
		return info, nil
	}

	v, err, _ := r.group.Do(k.String(), func() (interface{}, error) {
		if r.onProbeLaunched != nil {
			r.onProbeLaunched(k)
		}
		info, err := r.probe(ctx, k, append(append([]string{}, env...), PoisonEnvVar))
		if err != nil {
			return Info{}, err
		}
		r.cache.Set(k.String(), info, cache.DefaultExpiration)
		return info, nil
	})
	if err != nil {
		return Info{}, err
	}
	return v.(Info), nil
}

// use bumps the cache entry's expiration to approximate LRU retention.
func (r *Resolver) use(k Key) {
	if v, ok := r.cache.Get(k.String()); ok {
		r.cache.Set(k.String(), v, cache.DefaultExpiration)
	}
}

// Disable marks the compiler for k as unusable with reason, short-circuiting
// future resolutions to the disabled Info rather than re-probing.
func (r *Resolver) Disable(k Key, reason string) {
	r.cache.Set(k.String(), Info{Disabled: true, DisabledReason: reason}, cache.DefaultExpiration)
}

// EvictIfHashChanged drops the cached entry for k if its BinaryHash no
// longer matches newHash, per spec.md §3 "evicted when the backing binary's
// hash changes".
func (r *Resolver) EvictIfHashChanged(k Key, newHash string) {
	v, ok := r.cache.Get(k.String())
	if !ok {
		return
	}
	info := v.(Info)
	if info.BinaryHash != "" && info.BinaryHash != newHash {
		r.cache.Delete(k.String())
	}
}

// Snapshot dumps the cache for disk persistence.
func (r *Resolver) Snapshot() map[string]Info {
	items := r.cache.Items()
	out := make(map[string]Info, len(items))
	for k, item := range items {
		out[k] = item.Object.(Info)
	}
	return out
}

// LoadSnapshot restores a previously persisted cache, per spec.md §3
// "persisted to disk between runs".
func (r *Resolver) LoadSnapshot(snapshot map[string]Info) {
	for k, info := range snapshot {
		r.cache.Set(k, info, cache.DefaultExpiration)
	}
}

// HashFile computes the SHA-256 of a compiler binary, used both by the
// probe to populate Info.BinaryHash and by EvictIfHashChanged callers.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open compiler binary")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash compiler binary")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DefaultProbe runs k.GomaccPath with the fixed arguments -E -dM under the
// poison environment and parses a minimal JSON feature-dump that the
// compiler (or a shim emulating one) prints on stdout. Real flag
// construction is owned by the external flag parser (spec.md §1 Out of
// scope); this probe builds no other argv.
func DefaultProbe(ctx context.Context, k Key, env []string) (Info, error) {
	cmd := exec.CommandContext(ctx, k.GomaccPath, "-E", "-dM")
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		return Info{}, errors.Wrap(err, "probe compiler")
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		// Non-JSON output is tolerated as "ran, but nothing structured to
		// parse" rather than a hard failure — some compilers need a real
		// flag-aware parser the include processor owns.
		info = Info{Version: strings.TrimSpace(string(out))}
	}
	hash, err := HashFile(k.GomaccPath)
	if err == nil {
		info.BinaryHash = hash
	}
	return info, nil
}
