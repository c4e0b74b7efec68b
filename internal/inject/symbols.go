package inject

import (
	"regexp"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/inject/internal/proc"
)

// FindFunctionAddress returns the absolute virtual address of a function in a
// module of the tracee. modulePrefix is the name of the module followed by
// any (possibly empty) combination of `.`, `-` and digits, any number
// (possibly zero) of repetitions of the letters `so`, and again any
// combination of `.`, `-` and digits. If modulePrefix is `libc` this matches
// `libc-2.31.so`, `libc`, `libc.so.6` and `libc1.so` but not
// `libc-something-3.14.so` or `i-am-not-libc-2.31.so`. When multiple modules
// match, the last one in /proc/<pid>/maps order wins.
func (i *Injector) FindFunctionAddress(functionName, modulePrefix string) (uint64, errors.E) {
	modules, err := i.readModules(i.pid)
	if err != nil {
		return 0, errors.Errorf("unable to read modules of process %d: %w", i.pid, err)
	}

	re, e := regexp.Compile("^" + modulePrefix + `[.\-0-9]*(so)*[.\-0-9]*$`)
	if e != nil {
		return 0, errors.Errorf("unable to compile module matcher for %q: %w", modulePrefix, e)
	}

	var module *proc.Module
	for idx := range modules {
		if re.MatchString(modules[idx].Name) {
			module = &modules[idx]
		}
	}
	if module == nil {
		return 0, errors.Errorf("there is no module %q in process %d", modulePrefix, i.pid)
	}

	file, err := i.loadElf(module.FilePath)
	if err != nil {
		return 0, errors.Errorf("failed to load symbols for module %q: %w", modulePrefix, err)
	}

	address, err := file.LookupFunction(functionName)
	if err != nil {
		return 0, errors.Errorf("unable to locate function symbol %q in module %q: %w", functionName, modulePrefix, err)
	}

	return address + module.AddressStart - file.LoadBias, nil
}

// findFunctionAddressWithFallback resolves a function as FindFunctionAddress
// does but accepts a fallback symbol if the primary one cannot be resolved.
// Some distributions expose the dynamic linker entrypoints in libdl while
// others only have the internal ones directly in libc, so the injector probes
// both.
func (i *Injector) findFunctionAddressWithFallback(function, module, fallbackFunction, fallbackModule string) (uint64, errors.E) {
	primaryAddress, primaryErr := i.FindFunctionAddress(function, module)
	if primaryErr == nil {
		return primaryAddress, nil
	}
	fallbackAddress, fallbackErr := i.FindFunctionAddress(fallbackFunction, fallbackModule)
	if fallbackErr == nil {
		return fallbackAddress, nil
	}

	return 0, errors.Errorf(
		"failed to load symbol %q from module %q with error %q and also failed to load fallback symbol %q from module %q with error %q",
		function, module, primaryErr.Error(), fallbackFunction, fallbackModule, fallbackErr.Error(),
	)
}
