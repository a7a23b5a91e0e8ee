package jit

import "sync"

// ResetRuntimeCompileWarning re-arms the once-per-process warning of the in-process compiler.
func ResetRuntimeCompileWarning() {
	runtimeCompileWarning = sync.Once{}
}
