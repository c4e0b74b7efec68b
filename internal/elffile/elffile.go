package elffile

import (
	"debug/elf"

	"gitlab.com/tozd/go/errors"
)

// Symbol is one entry of an ELF dynamic symbol table. Address is the virtual
// address as recorded in the file, not adjusted for where the file is mapped.
type Symbol struct {
	Name    string
	Address uint64
}

// File holds the dynamic symbol table of an ELF file together with its load
// bias. The absolute address of a symbol inside a process which has the file
// mapped at base is Address + base - LoadBias.
type File struct {
	// LoadBias is the offset between virtual addresses recorded in the file
	// and the start of the file's lowest mapping at runtime. It is the p_vaddr
	// of the first PT_LOAD segment minus its p_offset (zero for position
	// independent objects linked at address zero).
	LoadBias uint64
	Symbols  []Symbol
}

// Load opens the ELF file at path and reads its dynamic symbol table.
func Load(path string) (*File, errors.E) {
	f, e := elf.Open(path)
	if e != nil {
		return nil, errors.Errorf("unable to open ELF file %s: %w", path, e)
	}
	defer f.Close()

	var loadBias uint64
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			loadBias = prog.Vaddr - prog.Off
			break
		}
	}

	dynamicSymbols, e := f.DynamicSymbols()
	if e != nil {
		return nil, errors.Errorf("unable to read dynamic symbols of %s: %w", path, e)
	}

	symbols := make([]Symbol, 0, len(dynamicSymbols))
	for _, sym := range dynamicSymbols {
		symbols = append(symbols, Symbol{
			Name:    sym.Name,
			Address: sym.Value,
		})
	}

	return &File{
		LoadBias: loadBias,
		Symbols:  symbols,
	}, nil
}

// LookupFunction returns the file-recorded address of the first dynamic
// symbol named name.
func (f *File) LookupFunction(name string) (uint64, errors.E) {
	for _, sym := range f.Symbols {
		if sym.Name == name {
			return sym.Address, nil
		}
	}
	return 0, errors.Errorf("no symbol %s", name)
}
