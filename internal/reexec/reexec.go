// Package reexec provides the self-dispatch mechanism the launch
// pipeline uses in place of a raw fork(2): the intermediate and target
// stages are re-executions of the running binary via /proc/self/exe,
// selected by an argv[0] sentinel registered here.
//
// Adapted from go.podman.io/storage/pkg/reexec's Register/Init/Self
// pattern, renamed to the project's own stage names.
package reexec

import (
	"fmt"
	"os"
)

var registeredInitializers = make(map[string]func())

// Register adds an initialization func under the given name. Subsequent
// calls to Init will use this func to handle a re-exec whose Args[0]
// equals name.
func Register(name string, initializer func()) {
	if _, exists := registeredInitializers[name]; exists {
		panic(fmt.Sprintf("reexec func already registered under name %q", name))
	}
	registeredInitializers[name] = initializer
}

// Init checks Args[0] against the registered initializers; if it
// matches one, that initializer is run and Init returns true (the
// caller's main() must exit immediately afterwards, since the
// initializer is expected to never return for the target stage and to
// call os.Exit itself for the intermediate stage). Init returns false
// when Args[0] names no registered stage, meaning the process is the
// top-level orchestrator.
func Init() bool {
	if len(os.Args) == 0 {
		return false
	}
	if initializer, exists := registeredInitializers[os.Args[0]]; exists {
		initializer()
		return true
	}
	return false
}
