package engine

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu  sync.Mutex
	runtimeErr error
	runtimeSet bool
)

// InitRuntime loads the onnxruntime shared library once per process.
// libPath may be empty to use the library's default search path. A failed
// initialisation is remembered and returned to every later caller.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if runtimeSet {
		return runtimeErr
	}
	runtimeSet = true
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			runtimeErr = fmt.Errorf("onnxruntime library: %w", err)
			return runtimeErr
		}
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		runtimeErr = fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return runtimeErr
}

// DestroyRuntime tears the environment down. Sessions must be closed first.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeSet = false
	runtimeErr = nil
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
