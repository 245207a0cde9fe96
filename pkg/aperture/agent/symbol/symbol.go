// Package symbol resolves kernel-side stack ids into Stacks of resolved
// symbol strings, following the sharded hashicorp/golang-lru/v2 usage
// pattern of pkg/rulemanager/cel/library/cache/function_cache.go, adapted
// from a single cache into per-shard caches bounding lock contention
// (spec.md §5's "shared-resource policy").
package symbol

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hamzzy/Aperture/pkg/aperture/types"
)

// KernelIPBit marks an instruction pointer as kernel-space; ips with this
// bit set route to the kernel table instead of a per-pid user table.
const KernelIPBit uint64 = 0xFFFF_0000_0000_0000

// DefaultCacheSize is the (pid, ip) -> symbol string LRU's total capacity
// across all shards.
const DefaultCacheSize = 65_536

// DefaultShards is the number of independent LRU shards the cache is
// split across to bound per-reader lock contention.
const DefaultShards = 16

// KernelSymbol is one entry in the sorted kernel symbol table.
type KernelSymbol struct {
	Addr   uint64
	Name   string
	Module string
}

// Region is one mapped memory region for a process, as read from its
// maps list; File is empty for anonymous regions.
type Region struct {
	Start, End uint64
	File       string
	Inode      uint64
	ModTime    int64 // unix nanoseconds; part of the binary cache key
}

// UserTableLoader loads the symbol table for one mapped binary; the
// Resolver caches each loaded table by (inode, mtime), so a loader need not
// cache on its own. Supplied by the caller so tests can
// substitute a fake ELF reader without touching the filesystem.
type UserTableLoader interface {
	// Regions returns pid's current mapped-region list.
	Regions(pid uint32) ([]Region, error)
	// Symbols returns the sorted symbol table for the binary at path,
	// identified by (inode, mtime) so an in-place binary replacement is
	// never served from a stale cache entry.
	Symbols(path string, inode uint64, modTime int64) ([]KernelSymbol, error)
}

// cacheKey is the sharded LRU key: (pid, ip). Kernel addresses use pid 0
// since the kernel table is process-independent.
type cacheKey struct {
	pid uint32
	ip  uint64
}

// binaryCacheKey identifies one parsed-ELF-symbol-table cache entry; mtime,
// not just inode, is part of it so a binary replaced in place is not
// served from a stale entry.
type binaryCacheKey struct {
	inode   uint64
	modTime int64
}

// Resolver resolves stack ids (via the caller-supplied stack-id ->
// address-list lookup) into Stacks, memoizing per-(pid, ip) results in a
// sharded LRU and per-binary ELF symbol tables in a plain map keyed by
// (inode, mtime). That map has no size bound and its entries are never
// evicted.
type Resolver struct {
	kernelTable []KernelSymbol // sorted by Addr, ascending
	loader      UserTableLoader

	shards []*lru.Cache[cacheKey, string]

	mu          sync.Mutex
	userTables  map[binaryCacheKey][]KernelSymbol
	userRegions map[uint32][]Region

	kernelHits   uint64
	kernelMisses uint64
}

// StackIDLookup resolves an opaque kernel stack id to its ordered
// instruction pointers, leaf first. Supplied by the reader's eBPF stack
// trace map wrapper.
type StackIDLookup func(stackID int64) ([]uint64, bool)

// New builds a Resolver with shardCount independent LRU shards, each
// holding cacheSize/shardCount entries. kernelTable must already be
// sorted by Addr.
func New(kernelTable []KernelSymbol, loader UserTableLoader, shardCount, cacheSize int) (*Resolver, error) {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	perShard := cacheSize / shardCount
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]*lru.Cache[cacheKey, string], shardCount)
	for i := range shards {
		c, err := lru.New[cacheKey, string](perShard)
		if err != nil {
			return nil, fmt.Errorf("symbol: new shard %d: %w", i, err)
		}
		shards[i] = c
	}

	return &Resolver{
		kernelTable: kernelTable,
		loader:      loader,
		shards:      shards,
		userTables:  make(map[binaryCacheKey][]KernelSymbol),
		userRegions: make(map[uint32][]Region),
	}, nil
}

// shardFor picks a shard deterministically from (pid, ip) so the same key
// always lands in the same shard, bounding eviction surprises.
func (r *Resolver) shardFor(k cacheKey) *lru.Cache[cacheKey, string] {
	idx := (uint64(k.pid) ^ k.ip) % uint64(len(r.shards))
	return r.shards[idx]
}

// ResolveFrame resolves a single instruction pointer for pid into a Frame.
// Any failure (kernel table miss, user table load error, unmapped ip)
// degrades to the hex-IP fallback rather than propagating; see
// spec.md §8 property 6.
func (r *Resolver) ResolveFrame(pid uint32, ip uint64) types.Frame {
	key := cacheKey{pid: pid, ip: ip}
	if ip&KernelIPBit != 0 {
		key.pid = 0
	}
	shard := r.shardFor(key)

	if sym, ok := shard.Get(key); ok {
		return frameFromSymbolString(ip, sym)
	}

	f := r.resolveUncached(pid, ip)
	shard.Add(key, f.Symbol())
	return f
}

func (r *Resolver) resolveUncached(pid uint32, ip uint64) types.Frame {
	if ip&KernelIPBit != 0 {
		sym, module, ok := r.lookupKernel(ip)
		r.mu.Lock()
		if ok {
			r.kernelHits++
		} else {
			r.kernelMisses++
		}
		r.mu.Unlock()
		if ok {
			return types.Frame{IP: ip, Function: sym, Module: module}
		}
		return types.Frame{IP: ip}
	}

	sym, module, ok := r.lookupUser(pid, ip)
	if !ok {
		return types.Frame{IP: ip}
	}
	return types.Frame{IP: ip, Function: sym, Module: module}
}

// lookupKernel does an upper-bound binary search over the sorted kernel
// table and returns the symbol whose range contains ip.
func (r *Resolver) lookupKernel(ip uint64) (name, module string, ok bool) {
	table := r.kernelTable
	i := sort.Search(len(table), func(i int) bool { return table[i].Addr > ip })
	if i == 0 {
		return "", "", false
	}
	sym := table[i-1]
	return sym.Name, sym.Module, true
}

func (r *Resolver) lookupUser(pid uint32, ip uint64) (name, module string, ok bool) {
	if r.loader == nil {
		return "", "", false
	}
	regions := r.regionsFor(pid)
	for _, reg := range regions {
		if ip < reg.Start || ip >= reg.End || reg.File == "" {
			continue
		}
		table, err := r.userSymbols(reg)
		if err != nil || len(table) == 0 {
			return "", "", false
		}
		offset := ip - reg.Start
		i := sort.Search(len(table), func(i int) bool { return table[i].Addr > offset })
		if i == 0 {
			return "", "", false
		}
		sym := table[i-1]
		return sym.Name, baseNameOf(reg.File), true
	}
	return "", "", false
}

func (r *Resolver) regionsFor(pid uint32) []Region {
	r.mu.Lock()
	if regions, ok := r.userRegions[pid]; ok {
		r.mu.Unlock()
		return regions
	}
	r.mu.Unlock()

	regions, err := r.loader.Regions(pid)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	r.userRegions[pid] = regions
	r.mu.Unlock()
	return regions
}

func (r *Resolver) userSymbols(reg Region) ([]KernelSymbol, error) {
	key := binaryCacheKey{inode: reg.Inode, modTime: reg.ModTime}

	r.mu.Lock()
	if table, ok := r.userTables[key]; ok {
		r.mu.Unlock()
		return table, nil
	}
	r.mu.Unlock()

	table, err := r.loader.Symbols(reg.File, reg.Inode, reg.ModTime)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.userTables[key] = table
	r.mu.Unlock()
	return table, nil
}

// InvalidateProcess drops the cached mapped-region list for pid, forcing
// the next resolution to re-read it. Callers invoke this on exec/exit
// notifications; the binary symbol-table cache itself stays keyed by
// (inode, mtime) and survives across processes that share a binary.
func (r *Resolver) InvalidateProcess(pid uint32) {
	r.mu.Lock()
	delete(r.userRegions, pid)
	r.mu.Unlock()
}

// KernelHitRate returns the fraction of kernel-IP lookups that hit the
// kernel table, and whether at least one lookup has happened yet. Callers
// should warn when this drops below 0.5 (spec.md §4.C).
func (r *Resolver) KernelHitRate() (rate float64, hasData bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.kernelHits + r.kernelMisses
	if total == 0 {
		return 0, false
	}
	return float64(r.kernelHits) / float64(total), true
}

// StackTraceResolver adapts a Resolver plus a StackIDLookup into
// pkg/aperture/agent/reader's StackResolver interface: it turns an
// opaque kernel stack id into the ordered address list, then resolves
// each address to a Frame.
type StackTraceResolver struct {
	resolver *Resolver
	lookup   StackIDLookup
}

// NewStackTraceResolver binds resolver to lookup for use by one or more
// readers.
func NewStackTraceResolver(resolver *Resolver, lookup StackIDLookup) *StackTraceResolver {
	return &StackTraceResolver{resolver: resolver, lookup: lookup}
}

// Resolve implements reader.StackResolver. A missing stack id is not an
// error by itself — the kernel's stack trace map can legitimately have
// aged an id out — but it is reported as one so the reader's caller (a
// single resolveStack call, or one half of resolveCombinedStack's
// user+kernel concatenation) can tell the id was unresolvable and treat
// that half of the stack as absent.
func (s *StackTraceResolver) Resolve(pid uint32, stackID int64) (types.Stack, error) {
	ips, ok := s.lookup(stackID)
	if !ok {
		return types.Stack{}, fmt.Errorf("symbol: stack id %d not found", stackID)
	}
	frames := make([]types.Frame, len(ips))
	for i, ip := range ips {
		frames[i] = s.resolver.ResolveFrame(pid, ip)
	}
	return types.Stack{Frames: frames}, nil
}

func frameFromSymbolString(ip uint64, sym string) types.Frame {
	// The cache stores the already-rendered "<name> [<module>]" (or hex)
	// form; on a hit it is split back into Function and Module so the
	// Frame matches the one the miss path built. The hex form of an
	// unresolved IP comes back with Function empty, as on a miss.
	if sym == (types.Frame{IP: ip}).Symbol() {
		return types.Frame{IP: ip}
	}
	if i := strings.LastIndex(sym, " ["); i >= 0 && strings.HasSuffix(sym, "]") {
		return types.Frame{IP: ip, Function: sym[:i], Module: sym[i+2 : len(sym)-1]}
	}
	return types.Frame{IP: ip, Function: sym}
}

func baseNameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
