package inject

import (
	"log"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/inject/internal/elffile"
	"gitlab.com/tozd/inject/internal/proc"
	"gitlab.com/tozd/inject/internal/ptracer"
)

// Flags for the second argument of dlopen. These are ABI constants of the
// glibc dynamic linker and are not defined in the unix package.
const (
	RTLD_LAZY     = 0x00001 //nolint:revive,stylecheck
	RTLD_NOW      = 0x00002 //nolint:revive,stylecheck
	RTLD_NOLOAD   = 0x00004 //nolint:revive,stylecheck
	RTLD_DEEPBIND = 0x00008 //nolint:revive,stylecheck
	RTLD_GLOBAL   = 0x00100 //nolint:revive,stylecheck
	RTLD_LOCAL    = 0x00000 //nolint:revive,stylecheck
	RTLD_NODELETE = 0x01000 //nolint:revive,stylecheck
)

// Size of the memory at the start of a scratch region into which we write
// machine code. String arguments follow behind it.
const codeScratchPadSize = 1024

// process is the subset of ptracer.Tracee the injector drives. The tracee has
// to be attached and stopped before any injector method is called and it is
// left stopped again when the method returns.
type process interface {
	Allocate(size uint64) (uint64, errors.E)
	Free(address, size uint64) errors.E
	WriteMemory(address uint64, data []byte) errors.E
	BackupRegisters() (*unix.PtraceRegs, errors.E)
	RestoreRegisters(regs *unix.PtraceRegs) errors.E
	Cont() errors.E
	WaitStop() (int, unix.WaitStatus, errors.E)
}

// Injector makes a stopped tracee load, resolve symbols in, and unload shared
// libraries by running short machine code stubs inside it which call the
// tracee's own dynamic linker.
//
// At most one injection against a given tracee may be in flight at a time.
type Injector struct {
	// LogFatalf is called in error conditions in which the tracee is damaged
	// and we do not try to recover. It must not return; if it does, the
	// injector panics.
	LogFatalf func(msg string, args ...any)

	tracee      process
	pid         int
	readModules func(pid int) ([]proc.Module, errors.E)
	loadElf     func(path string) (*elffile.File, errors.E)
}

// New returns an Injector driving the given attached tracee.
func New(tracee *ptracer.Tracee) *Injector {
	return &Injector{
		LogFatalf:   log.Fatalf,
		tracee:      tracee,
		pid:         tracee.Pid,
		readModules: proc.ReadModules,
		loadElf:     elffile.Load,
	}
}

// LoadLibrary makes the tracee dlopen the shared library at path with the
// given flag (see the RTLD constants) and returns the handle dlopen returned.
// The handle is passed through unchanged, so it is zero when dlopen failed
// inside the tracee.
func (i *Injector) LoadLibrary(path string, flag uint32) (uint64, errors.E) {
	// Figure out address of dlopen.
	dlopenAddress, err := i.findFunctionAddressWithFallback("dlopen", "libdl", "__libc_dlopen_mode", "libc")
	if err != nil {
		return 0, err
	}

	originalRegs, err := i.tracee.BackupRegisters()
	if err != nil {
		return 0, err
	}

	// Allocate a small memory area in the tracee. This is used for the code and the path name.
	pathLength := uint64(len(path) + 1) // Include terminating zero.
	memorySize := codeScratchPadSize + pathLength
	address, err := i.tracee.Allocate(memorySize)
	if err != nil {
		return 0, errors.Errorf("unable to allocate memory in tracee: %w", err)
	}

	// Write the name of the .so into memory at address with offset of codeScratchPadSize.
	pathAddress := address + codeScratchPadSize
	pathBytes := make([]byte, pathLength)
	copy(pathBytes, path)
	err = i.tracee.WriteMemory(pathAddress, pathBytes)
	if err != nil {
		i.freeOrDie(address, memorySize)
		return 0, err
	}

	// We want to do the following in the tracee:
	// return_value = dlopen(path, flag);
	// The calling convention is to put the parameters in registers rdi and rsi.
	// So the address of the file path goes to rdi. The flag argument goes into rsi. Then we load
	// the address of dlopen into rax and do the call. Assembly in Intel syntax (destination
	// first), machine code on the right:
	//
	// movabsq rdi, pathAddress     48 bf pathAddress
	// movl esi, flag               be flag
	// movabsq rax, dlopenAddress   48 b8 dlopenAddress
	// call rax                     ff d0
	// int3                         cc
	var code MachineCode
	code.AppendBytes(0x48, 0xbf).
		AppendImmediate64(pathAddress).
		AppendBytes(0xbe).
		AppendImmediate32(flag).
		AppendBytes(0x48, 0xb8).
		AppendImmediate64(dlopenAddress).
		AppendBytes(0xff, 0xd0).
		AppendBytes(0xcc)
	err = i.tracee.WriteMemory(address, code.Bytes())
	if err != nil {
		i.freeOrDie(address, memorySize)
		return 0, err
	}

	i.executeOrDie(originalRegs, address)

	handle := i.returnValueOrDie()

	// Clean up memory and registers.
	i.restoreRegistersOrDie(originalRegs)
	i.freeOrDie(address, memorySize)

	return handle, nil
}

// ResolveSymbol makes the tracee dlsym the given symbol in the library behind
// handle (as returned by LoadLibrary) and returns the symbol's absolute
// address in the tracee, or zero when dlsym found nothing.
func (i *Injector) ResolveSymbol(handle uint64, symbol string) (uint64, errors.E) {
	// Figure out address of dlsym.
	dlsymAddress, err := i.findFunctionAddressWithFallback("dlsym", "libdl", "__libc_dlsym", "libc")
	if err != nil {
		return 0, err
	}

	originalRegs, err := i.tracee.BackupRegisters()
	if err != nil {
		return 0, err
	}

	// Allocate a small memory area in the tracee. This is used for the code and the symbol name.
	symbolNameLength := uint64(len(symbol) + 1) // Include terminating zero.
	memorySize := codeScratchPadSize + symbolNameLength
	address, err := i.tracee.Allocate(memorySize)
	if err != nil {
		return 0, errors.Errorf("unable to allocate memory in tracee: %w", err)
	}

	// Write the symbol name into memory at address with offset of codeScratchPadSize.
	// The buffer is zero initialized so the name is terminated.
	symbolNameAddress := address + codeScratchPadSize
	symbolNameBytes := make([]byte, symbolNameLength)
	copy(symbolNameBytes, symbol)
	err = i.tracee.WriteMemory(symbolNameAddress, symbolNameBytes)
	if err != nil {
		i.freeOrDie(address, memorySize)
		return 0, err
	}

	// We want to do the following in the tracee:
	// return_value = dlsym(handle, symbol);
	// The calling convention is to put the parameters in registers rdi and rsi.
	// So the handle goes to rdi and the address of the symbol name goes to rsi. Then we load the
	// address of dlsym into rax and do the call. Assembly in Intel syntax (destination first),
	// machine code on the right:
	//
	// movabsq rdi, handle              48 bf handle
	// movabsq rsi, symbolNameAddress   48 be symbolNameAddress
	// movabsq rax, dlsymAddress        48 b8 dlsymAddress
	// call rax                         ff d0
	// int3                             cc
	var code MachineCode
	code.AppendBytes(0x48, 0xbf).
		AppendImmediate64(handle).
		AppendBytes(0x48, 0xbe).
		AppendImmediate64(symbolNameAddress).
		AppendBytes(0x48, 0xb8).
		AppendImmediate64(dlsymAddress).
		AppendBytes(0xff, 0xd0).
		AppendBytes(0xcc)
	err = i.tracee.WriteMemory(address, code.Bytes())
	if err != nil {
		i.freeOrDie(address, memorySize)
		return 0, err
	}

	i.executeOrDie(originalRegs, address)

	symbolAddress := i.returnValueOrDie()

	// Clean up memory and registers.
	i.restoreRegistersOrDie(originalRegs)
	i.freeOrDie(address, memorySize)

	return symbolAddress, nil
}

// UnloadLibrary makes the tracee dlclose the library behind handle (as
// returned by LoadLibrary).
func (i *Injector) UnloadLibrary(handle uint64) errors.E {
	// Figure out address of dlclose.
	dlcloseAddress, err := i.findFunctionAddressWithFallback("dlclose", "libdl", "__libc_dlclose", "libc")
	if err != nil {
		return err
	}

	originalRegs, err := i.tracee.BackupRegisters()
	if err != nil {
		return err
	}

	// Allocate a small memory area in the tracee. There is no string argument
	// so the code scratch pad is all we need.
	address, err := i.tracee.Allocate(codeScratchPadSize)
	if err != nil {
		return errors.Errorf("unable to allocate memory in tracee: %w", err)
	}

	// We want to do the following in the tracee:
	// dlclose(handle);
	// The calling convention is to put the parameter in register rdi. Then we load the address of
	// dlclose into rax and do the call. Assembly in Intel syntax (destination first), machine
	// code on the right:
	//
	// movabsq rdi, handle              48 bf handle
	// movabsq rax, dlcloseAddress      48 b8 dlcloseAddress
	// call rax                         ff d0
	// int3                             cc
	var code MachineCode
	code.AppendBytes(0x48, 0xbf).
		AppendImmediate64(handle).
		AppendBytes(0x48, 0xb8).
		AppendImmediate64(dlcloseAddress).
		AppendBytes(0xff, 0xd0).
		AppendBytes(0xcc)
	err = i.tracee.WriteMemory(address, code.Bytes())
	if err != nil {
		i.freeOrDie(address, codeScratchPadSize)
		return err
	}

	i.executeOrDie(originalRegs, address)

	if i.returnValueOrDie() != 0 {
		i.fatalf("unable to unload dynamic library from tracee")
	}

	// Clean up memory and registers.
	i.restoreRegistersOrDie(originalRegs)
	i.freeOrDie(address, codeScratchPadSize)

	return nil
}

// ModuleRange returns the address range [start, end) at which the tracee has
// the file at path mapped. It is meant for checking that a library appeared
// after LoadLibrary (or is gone after UnloadLibrary) and that resolved
// symbols lie inside it.
func (i *Injector) ModuleRange(path string) (uint64, uint64, errors.E) {
	modules, err := i.readModules(i.pid)
	if err != nil {
		return 0, 0, errors.Errorf("unable to read modules of process %d: %w", i.pid, err)
	}
	module := proc.FindModule(modules, path)
	if module == nil {
		return 0, 0, errors.Errorf("process %d has no module %q", i.pid, path)
	}
	return module.AddressStart, module.AddressEnd, nil
}

// executeOrDie runs the code at address. The code has to end with an int3.
// When the tracee stops again its instruction pointer stands behind the int3
// and rax holds the return value of the called function. The caller reads the
// registers back to harvest the return value and then restores originalRegs.
func (i *Injector) executeOrDie(originalRegs *unix.PtraceRegs, address uint64) {
	regs := *originalRegs
	regs.Rip = address
	err := i.tracee.RestoreRegisters(&regs)
	if err != nil {
		i.fatalf("unable to set registers in tracee: %s", err.Error())
	}
	err = i.tracee.Cont()
	if err != nil {
		i.fatalf("unable to continue tracee: %s", err.Error())
	}
	pid, status, err := i.tracee.WaitStop()
	if err != nil {
		i.fatalf("failed to wait for SIGTRAP after continuing tracee: %s", err.Error())
	}
	if pid != i.pid || !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		i.fatalf(
			"failed to wait for SIGTRAP after continuing tracee: waited pid %d (expected %d), stopped %t, stop signal %d",
			pid, i.pid, status.Stopped(), status.StopSignal(),
		)
	}
}

// returnValueOrDie reads back the return value of the function the executed
// code called.
func (i *Injector) returnValueOrDie() uint64 {
	regs, err := i.tracee.BackupRegisters()
	if err != nil {
		i.fatalf("unable to read registers after function call: %s", err.Error())
	}
	return regs.Rax
}

func (i *Injector) restoreRegistersOrDie(regs *unix.PtraceRegs) {
	err := i.tracee.RestoreRegisters(regs)
	if err != nil {
		i.fatalf("unable to restore register state in tracee: %s", err.Error())
	}
}

func (i *Injector) freeOrDie(address, size uint64) {
	err := i.tracee.Free(address, size)
	if err != nil {
		i.fatalf("unable to free previously allocated memory in tracee: %s", err.Error())
	}
}

// In certain error conditions the tracee is damaged and we do not try to
// recover from that. The panic backstops a LogFatalf which returns.
func (i *Injector) fatalf(msg string, args ...any) {
	if i.LogFatalf != nil {
		i.LogFatalf(msg, args...)
	}
	panic(errors.Errorf(msg, args...))
}
