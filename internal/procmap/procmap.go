// Package procmap implements the memory-map enumerator: it reads
// /proc/<pid>/maps, classifies each region, and keeps a btree-backed
// index of the regions currently believed to exist in a traced process
// so that the acceptor can cheaply check whether a mapping's fixed
// address collides with something still present (every mapping must be
// preceded by all remaps it could conflict with).
//
// Grounded on a proc_maps-based enumeration (is_special_kernel_map /
// should_skip_map / partition), and on gVisor's own preference
// (pkg/segment's interval-set machinery) for an ordered-tree view of
// address ranges rather than a flat slice scan — google/btree is the
// generic ecosystem analogue wired in here.
package procmap

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/btree"

	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// SpecialKernelMapNames are the pathname tags the acceptor relocates
// via Remap instead of streaming their contents.
var SpecialKernelMapNames = map[string]bool{
	"[vdso]":     true,
	"[vsyscall]": true,
	"[vvar]":     true,
}

// MapRange is a single parsed line of /proc/<pid>/maps.
type MapRange struct {
	Start      uintptr
	End        uintptr
	Readable   bool
	Writable   bool
	Executable bool
	Shared     bool
	Pathname   string // empty for anonymous mappings
}

// Size returns the region's size in bytes (always a whole number of
// pages).
func (m MapRange) Size() uintptr { return m.End - m.Start }

// HasName reports whether Pathname carries a tag worth recording
// (either a kernel-special name or a real file path).
func (m MapRange) HasName() bool { return m.Pathname != "" }

// IsSpecialKernelMap reports whether this is one of the kernel-managed
// regions handled via Remap rather than content streaming.
func (m MapRange) IsSpecialKernelMap() bool {
	return SpecialKernelMapNames[m.Pathname]
}

// IsSkippable reports whether this region should be dropped entirely:
// not readable, or zero-sized.
func (m MapRange) IsSkippable() bool {
	return !m.Readable || m.Size() == 0
}

// ReadMaps parses /proc/<pid>/maps.
func ReadMaps(pid int32) ([]MapRange, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, &telerr.IOError{Op: "open maps", Err: err}
	}
	defer f.Close()

	var maps []MapRange
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, err := parseMapLine(scanner.Text())
		if err != nil {
			return nil, &telerr.FramingError{Reason: err.Error()}
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, &telerr.IOError{Op: "read maps", Err: err}
	}
	return maps, nil
}

func parseMapLine(line string) (MapRange, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MapRange{}, fmt.Errorf("malformed maps line: %q", line)
	}

	addrParts := strings.SplitN(fields[0], "-", 2)
	if len(addrParts) != 2 {
		return MapRange{}, fmt.Errorf("malformed address range: %q", fields[0])
	}
	start, err := strconv.ParseUint(addrParts[0], 16, 64)
	if err != nil {
		return MapRange{}, fmt.Errorf("bad start address %q: %w", addrParts[0], err)
	}
	end, err := strconv.ParseUint(addrParts[1], 16, 64)
	if err != nil {
		return MapRange{}, fmt.Errorf("bad end address %q: %w", addrParts[1], err)
	}

	perms := fields[1]
	if len(perms) < 4 {
		return MapRange{}, fmt.Errorf("malformed permissions: %q", perms)
	}

	m := MapRange{
		Start:      uintptr(start),
		End:        uintptr(end),
		Readable:   perms[0] == 'r',
		Writable:   perms[1] == 'w',
		Executable: perms[2] == 'x',
		Shared:     perms[3] == 's',
	}
	if len(fields) >= 6 {
		m.Pathname = fields[5]
	}
	return m, nil
}

// Partition separates the skippable-filtered maps into special kernel
// maps (to be Remapped) and regular maps (to be streamed), preserving
// relative order within each group. Special maps must be emitted first
// so the acceptor can relocate them before a regular map's fixed
// address lands on top of their original position.
func Partition(maps []MapRange, jankyVDSOTeleport bool) (special, regular []MapRange) {
	for _, m := range maps {
		if m.IsSkippable() {
			continue
		}
		if m.IsSpecialKernelMap() && !(jankyVDSOTeleport && m.Pathname == "[vdso]") {
			special = append(special, m)
		} else {
			regular = append(regular, m)
		}
	}
	return special, regular
}

// FindByName returns the first current map with the given pathname tag,
// used to match an incoming Remap directive to the victim's present
// layout.
func FindByName(maps []MapRange, name string) (MapRange, bool) {
	for _, m := range maps {
		if m.Pathname == name {
			return m, true
		}
	}
	return MapRange{}, false
}

// DebugDump renders maps one per line in a form similar to
// /proc/<pid>/maps, for debug logging. Grounded on a _print_maps_info
// style helper: a rarely-called diagnostic kept around rather than
// deleted.
func DebugDump(maps []MapRange) string {
	var b strings.Builder
	for _, m := range maps {
		perm := []byte("---")
		if m.Readable {
			perm[0] = 'r'
		}
		if m.Writable {
			perm[1] = 'w'
		}
		if m.Executable {
			perm[2] = 'x'
		}
		fmt.Fprintf(&b, "%012x-%012x %s %s\n", m.Start, m.End, perm, m.Pathname)
	}
	return b.String()
}

// item adapts a MapRange for ordering in a btree.BTreeG keyed by start
// address.
type item struct{ MapRange }

func less(a, b item) bool { return a.Start < b.Start }

// Index is an ordered view of a process's current regions, refreshed
// by Reset and queried by Overlaps.
type Index struct {
	tree *btree.BTreeG[item]
}

// NewIndex builds an Index from a freshly read map set.
func NewIndex(maps []MapRange) *Index {
	idx := &Index{tree: btree.NewG[item](32, less)}
	idx.Reset(maps)
	return idx
}

// Reset replaces the index contents with maps.
func (idx *Index) Reset(maps []MapRange) {
	idx.tree.Clear(false)
	for _, m := range maps {
		idx.tree.ReplaceOrInsert(item{m})
	}
}

// Insert adds or replaces a single region, keyed by its Start address.
func (idx *Index) Insert(m MapRange) {
	idx.tree.ReplaceOrInsert(item{m})
}

// Delete removes the region starting at start, if any is indexed there.
func (idx *Index) Delete(start uintptr) {
	idx.tree.Delete(item{MapRange{Start: start}})
}

// Overlaps reports whether [start, start+size) intersects any region
// currently in the index, and if so returns one such region.
func (idx *Index) Overlaps(start, size uintptr) (MapRange, bool) {
	end := start + size
	var found MapRange
	hit := false
	// Regions starting before `end` might extend into [start, end); walk
	// from the first region that could possibly start before end and
	// stop once we've passed all candidates with Start < end.
	idx.tree.AscendRange(item{MapRange{Start: 0}}, item{MapRange{Start: end}}, func(it item) bool {
		if it.End > start {
			found = it.MapRange
			hit = true
			return false
		}
		return true
	})
	return found, hit
}
