package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Module is one file-backed object mapped into a process, collapsed over all
// of its individual mappings.
type Module struct {
	// Short name of the object as the OS presents it, e.g. "libc-2.31.so".
	Name string
	// Absolute path to the backing file on the host filesystem.
	FilePath string
	// Lowest virtual address at which the object is mapped.
	AddressStart uint64
	// Highest virtual address (exclusive) covered by any of its mappings.
	AddressEnd uint64
}

// ReadModules parses /proc/<pid>/maps and returns the file-backed modules of
// the process. Mappings of the same file (text, data, read-only data) are
// collapsed into one entry covering all of them. Pseudo-entries like [heap]
// and [vdso] and anonymous mappings are skipped. The order of modules matches
// the order of their first mapping in the maps file.
func ReadModules(pid int) ([]Module, errors.E) {
	mapsPath := fmt.Sprintf("/proc/%d/maps", pid)
	f, e := os.Open(mapsPath)
	if e != nil {
		return nil, errors.Errorf("unable to open %s: %w", mapsPath, e)
	}
	defer f.Close()

	return parseModules(f, mapsPath)
}

func parseModules(r io.Reader, mapsPath string) ([]Module, errors.E) {
	modules := []Module{}
	index := map[string]int{}

	// An example /proc/<pid>/maps line is:
	// 7f25bc06e000-7f25bc090000 r--p 00000000 fd:01 400910  /usr/lib/x86_64-linux-gnu/libc-2.31.so
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		path := fields[5]
		if !strings.HasPrefix(path, "/") {
			continue
		}

		addresses := strings.SplitN(fields[0], "-", 2)
		if len(addresses) != 2 {
			return nil, errors.Errorf("malformed address range in %s: %s", mapsPath, fields[0])
		}
		start, e := strconv.ParseUint(addresses[0], 16, 64)
		if e != nil {
			return nil, errors.Errorf("malformed start address in %s: %w", mapsPath, e)
		}
		end, e := strconv.ParseUint(addresses[1], 16, 64)
		if e != nil {
			return nil, errors.Errorf("malformed end address in %s: %w", mapsPath, e)
		}

		if i, ok := index[path]; ok {
			if start < modules[i].AddressStart {
				modules[i].AddressStart = start
			}
			if end > modules[i].AddressEnd {
				modules[i].AddressEnd = end
			}
			continue
		}

		index[path] = len(modules)
		modules = append(modules, Module{
			Name:         filepath.Base(path),
			FilePath:     path,
			AddressStart: start,
			AddressEnd:   end,
		})
	}
	if e := scanner.Err(); e != nil {
		return nil, errors.Errorf("unable to read %s: %w", mapsPath, e)
	}

	return modules, nil
}

// FindModule returns the module backed by the file at path, or nil if the
// process has no mapping of it.
func FindModule(modules []Module, path string) *Module {
	for i := range modules {
		if modules[i].FilePath == path {
			return &modules[i]
		}
	}
	return nil
}
