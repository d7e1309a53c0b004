package crash

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"xthreadcraft/internal/logger"
)

// RecoverWithStack recovers a panic in the calling goroutine and logs it with a stack trace.
func RecoverWithStack(moduleName string) {
	if r := recover(); r != nil {
		report(moduleName, r, false)
	}
}

// RecoverWithStackAndExit is deferred by main: it logs the panic and exits non-zero
// so the supervisor restarts the process.
func RecoverWithStackAndExit(moduleName string) {
	if r := recover(); r != nil {
		report(moduleName, r, true)

		// let the rotating writer flush
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}
}

// SafeGoroutine starts fn in a goroutine that cannot take the process down.
func SafeGoroutine(name string, fn func()) {
	go func() {
		defer RecoverWithStack(fmt.Sprintf("goroutine-%s", name))
		fn()
	}()
}

// SafeCall runs fn and converts a panic into an error, for work executed
// inside pools whose other members must keep running.
func SafeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			report(name, r, false)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

func report(moduleName string, r interface{}, fatal bool) {
	stack := debug.Stack()
	prefix := "PANIC"
	if fatal {
		prefix = "FATAL PANIC"
	}

	logger.Errorf("%s in %s: %v", prefix, moduleName, r)
	logger.Errorf("Stack trace:\n%s", string(stack))

	// container logs only see stderr when the file writer is not mounted
	fmt.Fprintf(os.Stderr, "[%s] %s - %s: %v\n", prefix, time.Now().Format("2006-01-02 15:04:05"), moduleName, r)
	fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", string(stack))

	logRuntimeInfo()
}

// logRuntimeInfo dumps goroutine and heap figures next to the panic
func logRuntimeInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := fmt.Sprintf(`
Runtime Information:
- Go version: %s
- Number of CPUs: %d
- Number of goroutines: %d
- Memory stats:
  - Heap allocated: %d KB
  - Heap in use: %d KB
  - Stack in use: %d KB
  - Num GC: %d
`,
		runtime.Version(),
		runtime.NumCPU(),
		runtime.NumGoroutine(),
		m.HeapAlloc/1024,
		m.HeapInuse/1024,
		m.StackInuse/1024,
		m.NumGC,
	)

	logger.Error(info)
}

// SetupCrashHandler turns faults on unexpected addresses into recoverable panics.
func SetupCrashHandler() {
	debug.SetPanicOnFault(true)
}
