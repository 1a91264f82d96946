package main

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"jobsched/internal/task/dispatch"
)

// builtinFuncs are the in-process functions available as func:<name>.
func builtinFuncs() *dispatch.FuncTable {
	t := dispatch.NewFuncTable()
	t.Register("heartbeat", heartbeat)
	t.Register("free-os-memory", freeOSMemory)
	return t
}

func heartbeat(ctx context.Context, out *dispatch.Emitter) error {
	host, _ := os.Hostname()
	return out.JSON(map[string]any{
		"time":       time.Now().UTC().Format(time.RFC3339),
		"host":       host,
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
	})
}

func freeOSMemory(ctx context.Context, out *dispatch.Emitter) error {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)
	out.Printf("heap_released %d -> %d bytes", before.HeapReleased, after.HeapReleased)
	return nil
}
