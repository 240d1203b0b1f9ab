//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	// before any cgo audio code runs
	initCrashLog()
	mainthread.Init(run)
}
