package inject

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/inject/internal/elffile"
	"gitlab.com/tozd/inject/internal/proc"
)

const (
	testPid = 4242

	// Where the fake allocator places regions and where fixture modules live.
	fakeAllocationBase = 0x7f0000000000
	libdlBase          = 0x7f5500000000
	libdlLoadBias      = 0x1000
	dlopenFileAddress  = 0x8100
	dlsymFileAddress   = 0x8200
	dlcloseFileAddress = 0x8300
)

const (
	dlopenAddress  = dlopenFileAddress + libdlBase - libdlLoadBias
	dlsymAddress   = dlsymFileAddress + libdlBase - libdlLoadBias
	dlcloseAddress = dlcloseFileAddress + libdlBase - libdlLoadBias
)

// A wait status word for a process stopped by the given signal.
func stoppedBy(sig unix.Signal) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig)<<8 | 0x7f)
}

// fakeProcess implements the process interface and simulates the part of the
// dance the kernel and the tracee play: it remembers every write, pretends to
// run the stub when continued, and reports a SIGTRAP stop.
type fakeProcess struct {
	t *testing.T

	memory      map[uint64][]byte
	allocations map[uint64]uint64
	freed       map[uint64]uint64
	nextAddress uint64
	regs        unix.PtraceRegs
	returnValue uint64

	// Overrides for failure scenarios.
	failWriteAt uint64
	failAlloc   bool
	waitPid     int
	waitStatus  unix.WaitStatus

	executed bool
}

func newFakeProcess(t *testing.T) *fakeProcess {
	t.Helper()
	return &fakeProcess{
		t:           t,
		memory:      map[uint64][]byte{},
		allocations: map[uint64]uint64{},
		freed:       map[uint64]uint64{},
		nextAddress: fakeAllocationBase,
		regs: unix.PtraceRegs{
			Rip: 0x401000,
			Rax: 0xaaaa,
			Rdi: 0xbbbb,
			Rsi: 0xcccc,
		},
		waitPid:    testPid,
		waitStatus: stoppedBy(unix.SIGTRAP),
	}
}

func (f *fakeProcess) Allocate(size uint64) (uint64, errors.E) {
	if f.failAlloc {
		return 0, errors.New("allocate memory: fake ENOMEM")
	}
	address := f.nextAddress
	f.nextAddress += 0x10000
	f.allocations[address] = size
	return address, nil
}

func (f *fakeProcess) Free(address, size uint64) errors.E {
	if _, ok := f.allocations[address]; !ok {
		return errors.Errorf("free of unknown address %#x", address)
	}
	if allocated := f.allocations[address]; allocated != size {
		return errors.Errorf("free of %d bytes at %#x, allocated %d", size, address, allocated)
	}
	delete(f.allocations, address)
	f.freed[address] = size
	return nil
}

func (f *fakeProcess) WriteMemory(address uint64, data []byte) errors.E {
	if f.failWriteAt != 0 && address == f.failWriteAt {
		return errors.New("ptrace pokedata: fake EIO")
	}
	f.memory[address] = append([]byte{}, data...)
	return nil
}

func (f *fakeProcess) BackupRegisters() (*unix.PtraceRegs, errors.E) {
	regs := f.regs
	return &regs, nil
}

func (f *fakeProcess) RestoreRegisters(regs *unix.PtraceRegs) errors.E {
	f.regs = *regs
	return nil
}

func (f *fakeProcess) Cont() errors.E {
	stub, ok := f.memory[f.regs.Rip]
	if !ok {
		return errors.Errorf("continued to %#x, but nothing was written there", f.regs.Rip)
	}
	require.NotEmpty(f.t, stub)
	require.Equal(f.t, byte(0xCC), stub[len(stub)-1], "stub does not end with int3")
	// The called function ran and the int3 trapped.
	f.regs.Rip += uint64(len(stub))
	f.regs.Rax = f.returnValue
	f.executed = true
	return nil
}

func (f *fakeProcess) WaitStop() (int, unix.WaitStatus, errors.E) {
	return f.waitPid, f.waitStatus, nil
}

// newTestInjector returns an injector driving a fake process, with the module
// map and ELF readers pointed at a fixture in which libdl is present and
// exposes all three dynamic linker entrypoints.
func newTestInjector(t *testing.T) (*Injector, *fakeProcess) {
	t.Helper()
	f := newFakeProcess(t)
	i := &Injector{
		LogFatalf: func(msg string, args ...any) {
			t.Logf("fatal: "+msg, args...)
		},
		tracee: f,
		pid:    testPid,
		readModules: func(pid int) ([]proc.Module, errors.E) {
			return []proc.Module{
				{Name: "libdl-2.31.so", FilePath: "/fixture/libdl-2.31.so", AddressStart: libdlBase, AddressEnd: libdlBase + 0x4000},
			}, nil
		},
		loadElf: func(path string) (*elffile.File, errors.E) {
			if path != "/fixture/libdl-2.31.so" {
				return nil, errors.Errorf("unable to open ELF file %s", path)
			}
			return &elffile.File{
				LoadBias: libdlLoadBias,
				Symbols: []elffile.Symbol{
					{Name: "dlopen", Address: dlopenFileAddress},
					{Name: "dlsym", Address: dlsymFileAddress},
					{Name: "dlclose", Address: dlcloseFileAddress},
				},
			}, nil
		},
	}
	return i, f
}

func appendImmediate64(code []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(code, v)
}

func appendImmediate32(code []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(code, v)
}

func TestLoadLibrary(t *testing.T) {
	i, f := newTestInjector(t)
	f.returnValue = 0xdeadbeef

	originalRegs := f.regs

	handle, err := i.LoadLibrary("/tmp/libtarget.so", RTLD_NOW|RTLD_GLOBAL)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), handle)
	assert.True(t, f.executed)

	// The path was written behind the code scratch pad, zero terminated.
	pathAddress := fakeAllocationBase + uint64(codeScratchPadSize)
	assert.Equal(t, []byte("/tmp/libtarget.so\x00"), f.memory[pathAddress])

	// The stub is exactly the dlopen calling sequence.
	expected := []byte{0x48, 0xbf}
	expected = appendImmediate64(expected, pathAddress)
	expected = append(expected, 0xbe)
	expected = appendImmediate32(expected, RTLD_NOW|RTLD_GLOBAL)
	expected = append(expected, 0x48, 0xb8)
	expected = appendImmediate64(expected, dlopenAddress)
	expected = append(expected, 0xff, 0xd0, 0xcc)
	assert.Equal(t, expected, f.memory[uint64(fakeAllocationBase)])

	// Registers are back to what they were and no memory is leaked.
	assert.Equal(t, originalRegs, f.regs)
	assert.Empty(t, f.allocations)
	assert.Len(t, f.freed, 1)
	assert.Equal(t, uint64(codeScratchPadSize+len("/tmp/libtarget.so")+1), f.freed[fakeAllocationBase])
}

func TestLoadLibraryNullHandle(t *testing.T) {
	i, f := newTestInjector(t)
	f.returnValue = 0

	originalRegs := f.regs

	// dlopen failing inside the tracee is not an injection error. The null
	// handle is passed through and the tracee state is still fully restored.
	handle, err := i.LoadLibrary("/tmp/does-not-exist.so", RTLD_NOW)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), handle)
	assert.Equal(t, originalRegs, f.regs)
	assert.Empty(t, f.allocations)
}

func TestLoadLibraryWriteFailure(t *testing.T) {
	i, f := newTestInjector(t)
	f.failWriteAt = fakeAllocationBase + codeScratchPadSize

	_, err := i.LoadLibrary("/tmp/libtarget.so", RTLD_NOW)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ptrace pokedata")
	// The scratch region was freed on the failure path.
	assert.Empty(t, f.allocations)
	assert.False(t, f.executed)
}

func TestLoadLibraryAllocationFailure(t *testing.T) {
	i, f := newTestInjector(t)
	f.failAlloc = true

	_, err := i.LoadLibrary("/tmp/libtarget.so", RTLD_NOW)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unable to allocate memory in tracee")
	assert.Empty(t, f.freed)
}

func TestResolveSymbol(t *testing.T) {
	i, f := newTestInjector(t)
	f.returnValue = 0x7f5500002040

	originalRegs := f.regs

	address, err := i.ResolveSymbol(0xdeadbeef, "exported_fn")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f5500002040), address)

	symbolNameAddress := fakeAllocationBase + uint64(codeScratchPadSize)
	assert.Equal(t, []byte("exported_fn\x00"), f.memory[symbolNameAddress])

	expected := []byte{0x48, 0xbf}
	expected = appendImmediate64(expected, 0xdeadbeef)
	expected = append(expected, 0x48, 0xbe)
	expected = appendImmediate64(expected, symbolNameAddress)
	expected = append(expected, 0x48, 0xb8)
	expected = appendImmediate64(expected, dlsymAddress)
	expected = append(expected, 0xff, 0xd0, 0xcc)
	assert.Equal(t, expected, f.memory[uint64(fakeAllocationBase)])

	assert.Equal(t, originalRegs, f.regs)
	assert.Empty(t, f.allocations)
}

func TestResolveSymbolMissing(t *testing.T) {
	i, f := newTestInjector(t)
	f.returnValue = 0

	// dlsym not finding the symbol is reported through the return value.
	address, err := i.ResolveSymbol(0xdeadbeef, "not_there")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), address)
	// The scratch region allocated for the call was freed.
	assert.Empty(t, f.allocations)
	assert.Len(t, f.freed, 1)
}

func TestUnloadLibrary(t *testing.T) {
	i, f := newTestInjector(t)
	f.returnValue = 0

	originalRegs := f.regs

	err := i.UnloadLibrary(0xdeadbeef)
	require.NoError(t, err)

	expected := []byte{0x48, 0xbf}
	expected = appendImmediate64(expected, 0xdeadbeef)
	expected = append(expected, 0x48, 0xb8)
	expected = appendImmediate64(expected, dlcloseAddress)
	expected = append(expected, 0xff, 0xd0, 0xcc)
	assert.Equal(t, expected, f.memory[uint64(fakeAllocationBase)])

	assert.Equal(t, originalRegs, f.regs)
	assert.Empty(t, f.allocations)
	assert.Equal(t, uint64(codeScratchPadSize), f.freed[fakeAllocationBase])
}

func TestUnloadLibraryNonZeroReturn(t *testing.T) {
	i, f := newTestInjector(t)
	f.returnValue = 1

	var fatal string
	i.LogFatalf = func(msg string, args ...any) {
		fatal = fmt.Sprintf(msg, args...)
	}

	assert.Panics(t, func() {
		_ = i.UnloadLibrary(0xdeadbeef)
	})
	assert.Equal(t, "unable to unload dynamic library from tracee", fatal)
}

func TestExecuteWrongSignal(t *testing.T) {
	i, f := newTestInjector(t)
	// The called function faulted instead of reaching the int3.
	f.waitStatus = stoppedBy(unix.SIGSEGV)

	var fatal string
	i.LogFatalf = func(msg string, args ...any) {
		fatal = fmt.Sprintf(msg, args...)
	}

	assert.Panics(t, func() {
		_, _ = i.LoadLibrary("/tmp/libtarget.so", RTLD_NOW)
	})
	assert.Contains(t, fatal, "failed to wait for SIGTRAP")
	assert.Contains(t, fatal, fmt.Sprintf("stop signal %d", unix.SIGSEGV))
}

func TestExecuteWrongPid(t *testing.T) {
	i, f := newTestInjector(t)
	f.waitPid = testPid + 1

	var fatal string
	i.LogFatalf = func(msg string, args ...any) {
		fatal = fmt.Sprintf(msg, args...)
	}

	assert.Panics(t, func() {
		_, _ = i.LoadLibrary("/tmp/libtarget.so", RTLD_NOW)
	})
	assert.Contains(t, fatal, "failed to wait for SIGTRAP")
}

func TestModuleRange(t *testing.T) {
	i, _ := newTestInjector(t)
	i.readModules = func(pid int) ([]proc.Module, errors.E) {
		return []proc.Module{
			{Name: "libtarget.so", FilePath: "/tmp/libtarget.so", AddressStart: 0x7f0000000000, AddressEnd: 0x7f0000004000},
		}, nil
	}

	start, end, err := i.ModuleRange("/tmp/libtarget.so")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f0000000000), start)
	assert.Equal(t, uint64(0x7f0000004000), end)

	_, _, err = i.ModuleRange("/tmp/other.so")
	assert.Error(t, err)
}
