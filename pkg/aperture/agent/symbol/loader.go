package symbol

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// LoadKernelSymbols parses /proc/kallsyms into a KernelSymbol table
// sorted by Addr, ready for New. Symbols at address 0 (kptr_restrict
// hides addresses from unprivileged readers) are skipped rather than
// producing a useless all-zero entry.
func LoadKernelSymbols(path string) ([]KernelSymbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbol: open %s: %w", path, err)
	}
	defer f.Close()

	var table []KernelSymbol
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		module := ""
		if len(fields) >= 4 {
			module = strings.Trim(fields[3], "[]")
		}
		table = append(table, KernelSymbol{Addr: addr | KernelIPBit, Name: fields[2], Module: module})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("symbol: scan %s: %w", path, err)
	}

	sort.Slice(table, func(i, j int) bool { return table[i].Addr < table[j].Addr })
	return table, nil
}

// ProcMapsLoader is a UserTableLoader backed by /proc/<pid>/maps and
// debug/elf. No third-party ELF or procfs-parsing library appears
// anywhere in the reference pack; this is the same approach
// pkg/aperture/agent/kernelcheck takes reading /proc/version directly.
type ProcMapsLoader struct {
	ProcRoot string // defaults to "/proc"
}

// Regions reads pid's current mapped-region list from /proc/<pid>/maps.
func (l ProcMapsLoader) Regions(pid uint32) ([]Region, error) {
	root := l.ProcRoot
	if root == "" {
		root = "/proc"
	}
	path := fmt.Sprintf("%s/%d/maps", root, pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbol: open %s: %w", path, err)
	}
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		reg, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		regions = append(regions, reg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("symbol: scan %s: %w", path, err)
	}
	return regions, nil
}

func parseMapsLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Region{}, false
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Region{}, false
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Region{}, false
	}
	reg := Region{Start: start, End: end, Inode: inode}
	if len(fields) >= 6 {
		path := fields[5]
		if strings.HasPrefix(path, "[") || path == "" {
			return reg, true // anonymous region: valid, just never symbolized
		}
		reg.File = path
		if info, err := os.Stat(path); err == nil {
			reg.ModTime = info.ModTime().UnixNano()
		}
	}
	return reg, true
}

// Symbols parses path's ELF symbol table (.symtab, falling back to
// .dynsym for stripped binaries) into a KernelSymbol table sorted by
// Addr. inode and modTime are accepted for interface-parity with the
// Resolver's (inode, mtime) cache key; they are not re-verified here
// since the caller already keys its cache on them.
func (l ProcMapsLoader) Symbols(path string, inode uint64, modTime int64) ([]KernelSymbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbol: elf open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
	}
	if err != nil {
		return nil, fmt.Errorf("symbol: read symbol table for %s: %w", path, err)
	}

	var table []KernelSymbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
			continue
		}
		table = append(table, KernelSymbol{Addr: s.Value, Name: s.Name})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Addr < table[j].Addr })
	return table, nil
}
