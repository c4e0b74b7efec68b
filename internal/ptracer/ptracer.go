package ptracer

import (
	"runtime"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

const (
	// These errno values are not really meant for user space programs (so they are not defined
	// in unix package) but we need them as we operate on a lower level and handle them in doSyscall.
	ERESTARTSYS    = unix.Errno(512)
	ERESTARTNOINTR = unix.Errno(513)
	ERESTARTNOHAND = unix.Errno(514)
)

// Errors are returned as negative numbers from syscalls but we compare them as uint64.
const maxErrno = uint64(0xfffffffffffff001)

const pageSize = 4096

// We want to return -1 as uint64 so we need a variable to make Go happy.
var errorReturn = -1

// Call a syscall and a breakpoint. We do not use ptrace single step but ptrace cont
// until a breakpoint so that it is easier to allow signal handlers in tracee to run.
var syscallInstruction = [...]byte{0x0F, 0x05, 0xCC}

// Tracee is a process under our ptrace control. It has to be attached with
// Attach before any other method can be used and all methods have to be called
// from the same goroutine which called Attach (ptrace commands must come from
// the OS thread which attached, so Attach locks the goroutine to its thread).
type Tracee struct {
	Pid      int
	DebugLog bool
	LogWarnf func(msg string, args ...any)
	attached bool
}

// Attach attaches to the tracee and leaves it stopped.
func (t *Tracee) Attach() errors.E {
	if t.attached {
		return errors.Errorf("tracee already attached")
	}

	runtime.LockOSThread()

	err := errors.WithStack(unix.PtraceSeize(t.Pid))
	if err != nil {
		runtime.UnlockOSThread()
		return errors.Errorf("ptrace seize: %w", err)
	}

	err = errors.WithStack(unix.PtraceInterrupt(t.Pid))
	if err != nil {
		err = errors.Errorf("ptrace interrupt: %w", err)
		err2 := errors.WithStack(unix.PtraceDetach(t.Pid))
		runtime.UnlockOSThread()
		return errors.Join(err, err2)
	}

	err = t.waitTrap(unix.PTRACE_EVENT_STOP)
	if err != nil {
		err2 := errors.WithStack(unix.PtraceDetach(t.Pid))
		runtime.UnlockOSThread()
		return errors.Join(err, err2)
	}

	t.attached = true

	return nil
}

// Detach resumes the tracee and releases it from our control.
func (t *Tracee) Detach() errors.E {
	if !t.attached {
		return errors.Errorf("tracee not attached")
	}

	err := errors.WithStack(unix.PtraceDetach(t.Pid))
	runtime.UnlockOSThread()
	if err != nil {
		return errors.Errorf("ptrace detach: %w", err)
	}

	t.attached = false

	return nil
}

// Allocate leases a new private anonymous segment of memory in the tracee.
// The segment is readable, writable and executable so machine code can be
// stored and run from it. Its size is rounded up to a multiple of the page
// size. Free rounds the same way, so the same size has to be passed to Free.
func (t *Tracee) Allocate(size uint64) (uint64, errors.E) {
	addr, err := t.doSyscall(unix.SYS_MMAP, func(start uint64) ([]byte, [6]uint64, errors.E) {
		fd := -1
		return nil, [6]uint64{
			0,               // addr.
			pageRound(size), // length.
			unix.PROT_EXEC | unix.PROT_READ | unix.PROT_WRITE, // prot.
			unix.MAP_PRIVATE | unix.MAP_ANONYMOUS,             // flags.
			uint64(fd),                                        // fd.
			0,                                                 // offset.
		}, nil
	})
	if err != nil {
		err = errors.Errorf("allocate memory: %w", err)
	}
	return addr, err
}

// Free releases a segment of memory previously leased with Allocate.
func (t *Tracee) Free(address, size uint64) errors.E {
	_, err := t.doSyscall(unix.SYS_MUNMAP, func(start uint64) ([]byte, [6]uint64, errors.E) {
		return nil, [6]uint64{
			address,         // addr.
			pageRound(size), // length.
		}, nil
	})
	if err != nil {
		err = errors.Errorf("free memory: %w", err)
	}
	return err
}

// Getpid runs the getpid syscall in the tracee.
func (t *Tracee) Getpid() (int, errors.E) {
	pid, err := t.doSyscall(unix.SYS_GETPID, func(start uint64) ([]byte, [6]uint64, errors.E) {
		return nil, [6]uint64{}, nil
	})
	if err != nil {
		err = errors.Errorf("sys getpid: %w", err)
	}
	return int(pid), err
}

// BackupRegisters reads the current general-purpose registers of the tracee.
func (t *Tracee) BackupRegisters() (*unix.PtraceRegs, errors.E) {
	var regs unix.PtraceRegs
	err := errors.WithStack(unix.PtraceGetRegs(t.Pid, &regs))
	if err != nil {
		return nil, errors.Errorf("ptrace getregs: %w", err)
	}
	return &regs, nil
}

// RestoreRegisters sets the general-purpose registers of the tracee.
func (t *Tracee) RestoreRegisters(regs *unix.PtraceRegs) errors.E {
	err := errors.WithStack(unix.PtraceSetRegs(t.Pid, regs))
	if err != nil {
		return errors.Errorf("ptrace setregs: %w", err)
	}
	return nil
}

// Cont resumes the stopped tracee without delivering a signal.
func (t *Tracee) Cont() errors.E {
	err := errors.WithStack(unix.PtraceCont(t.Pid, 0))
	if err != nil {
		return errors.Errorf("ptrace cont: %w", err)
	}
	return nil
}

// WaitStop blocks until the tracee changes state and returns the pid reported
// by wait together with the raw (undecoded) wait status.
func (t *Tracee) WaitStop() (int, unix.WaitStatus, errors.E) {
	var status unix.WaitStatus
	var pid int
	var e error
	for {
		pid, e = unix.Wait4(t.Pid, &status, 0, nil)
		if e == nil || !errors.Is(e, unix.EINTR) {
			break
		}
	}
	if e != nil {
		return pid, status, errors.Errorf("wait: %w", e)
	}
	return pid, status, nil
}

// ReadMemory reads from the memory of the tracee.
func (t *Tracee) ReadMemory(address uint64, length int) ([]byte, errors.E) {
	data := make([]byte, length)
	n, e := unix.PtracePeekData(t.Pid, uintptr(address), data)
	if e != nil {
		return nil, errors.Errorf("ptrace peekdata: %w", e)
	}
	if n != length {
		return nil, errors.Errorf("wanted to read %d bytes, but read %d bytes", length, n)
	}
	return data, nil
}

// WriteMemory writes into the memory of the tracee.
func (t *Tracee) WriteMemory(address uint64, data []byte) errors.E {
	n, e := unix.PtracePokeData(t.Pid, uintptr(address), data)
	if e != nil {
		return errors.Errorf("ptrace pokedata: %w", e)
	}
	if n != len(data) {
		return errors.Errorf("wanted to write %d bytes, but wrote %d bytes", len(data), n)
	}
	return nil
}

// Low-level call of a system call in the tracee. Use doSyscall instead.
// The tracee has no memory of ours to run code from, so we write the syscall
// opcodes (and any payload the arguments need) over the bytes at the current
// instruction pointer, run to the breakpoint behind the syscall, and then put
// the original bytes and registers back.
func (t *Tracee) syscall(call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (result uint64, err errors.E) {
	originalRegs, err := t.BackupRegisters()
	if err != nil {
		return uint64(errorReturn), err
	}

	// TODO: What happens if Rip is not 64bit aligned?
	start := originalRegs.Rip
	payload, arguments, err := args(start)
	if err != nil {
		return uint64(errorReturn), err
	}

	originalInstructions, err := t.ReadMemory(start, len(payload)+len(syscallInstruction))
	if err != nil {
		return uint64(errorReturn), err
	}

	defer func() {
		err2 := t.RestoreRegisters(originalRegs)
		err = errors.Join(err, err2)
	}()

	defer func() {
		err2 := t.WriteMemory(start, originalInstructions)
		err = errors.Join(err, err2)
	}()

	err = t.WriteMemory(start, payload)
	if err != nil {
		return uint64(errorReturn), err
	}

	instructionPointer := start + uint64(len(payload))
	err = t.WriteMemory(instructionPointer, syscallInstruction[:])
	if err != nil {
		return uint64(errorReturn), err
	}

	newRegs := *originalRegs
	newRegs.Rip = instructionPointer
	newRegs.Rax = uint64(call)
	newRegs.Rdi = arguments[0]
	newRegs.Rsi = arguments[1]
	newRegs.Rdx = arguments[2]
	newRegs.R10 = arguments[3]
	newRegs.R8 = arguments[4]
	newRegs.R9 = arguments[5]

	err = t.RestoreRegisters(&newRegs)
	if err != nil {
		return uint64(errorReturn), err
	}

	err = t.runToBreakpoint()
	if err != nil {
		return uint64(errorReturn), err
	}

	resultRegs, err := t.BackupRegisters()
	if err != nil {
		return uint64(errorReturn), err
	}

	if resultRegs.Rax > maxErrno {
		return uint64(errorReturn), errors.WithStack(unix.Errno(-resultRegs.Rax))
	}

	return resultRegs.Rax, nil
}

// Syscalls can be interrupted by signal handling and might abort. So we
// wrap them with a loop which retries them automatically if interrupted.
// We do not handle EAGAIN here on purpose, to not block in a loop.
func (t *Tracee) doSyscall(call int, args func(start uint64) ([]byte, [6]uint64, errors.E)) (uint64, errors.E) {
	if !t.attached {
		return uint64(errorReturn), errors.Errorf("tracee not attached")
	}
	for {
		result, err := t.syscall(call, args)
		if err != nil {
			if errors.Is(err, ERESTARTSYS) {
				continue
			} else if errors.Is(err, ERESTARTNOINTR) {
				continue
			} else if errors.Is(err, ERESTARTNOHAND) {
				continue
			} else if errors.Is(err, unix.EINTR) {
				continue
			}
			// Go to return.
		}

		return result, err
	}
}

// The syscall opcodes we write are followed by a breakpoint (see
// syscallInstruction). This function resumes the tracee and returns once the
// breakpoint is hit. During execution signal handlers of the tracee might run
// as well before the breakpoint is reached (this is why we use ptrace cont
// with a breakpoint and not ptrace single step).
func (t *Tracee) runToBreakpoint() errors.E {
	err := errors.WithStack(unix.PtraceCont(t.Pid, 0))
	if err != nil {
		return errors.Errorf("run to breakpoint: %w", err)
	}

	// 0 trap cause means a breakpoint or single stepping.
	return t.waitTrap(0)
}

func (t *Tracee) waitTrap(cause int) errors.E {
	for {
		_, status, err := t.WaitStop()
		if err != nil {
			return errors.Errorf("wait trap: %w", err)
		}
		// A breakpoint or other trap cause we expected has been reached.
		if status.TrapCause() == cause {
			return nil
		} else if status.TrapCause() != -1 {
			t.LogWarnf("unexpected trap cause for PID %d: %d, expected %d", t.Pid, status.TrapCause(), cause)
			return nil
		} else if status.Stopped() {
			// If the tracee stopped it might have stopped for some other signal. While a tracee is
			// ptraced any signal it receives stops the tracee for us to decide what to do about the
			// signal. In our case we just pass the signal back to the tracee using ptrace cont and
			// let its signal handler do its work.
			err := errors.WithStack(unix.PtraceCont(t.Pid, int(status.StopSignal())))
			if err != nil {
				return errors.Errorf("wait trap: ptrace cont with %d: %w", int(status.StopSignal()), err)
			}
			continue
		}
		return errors.Errorf(
			"wait trap: unexpected wait status after wait, exit status %d, signal %d, stop signal %d, trap cause %d, expected trap cause %d",
			status.ExitStatus(), status.Signal(), status.StopSignal(), status.TrapCause(), cause,
		)
	}
}

func pageRound(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}
