//go:build linux

package main

func main() {
	// before any cgo audio code runs
	initCrashLog()
	run()
}
