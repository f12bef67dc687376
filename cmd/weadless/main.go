package main

import (
	"runtime"

	"github.com/bryanchriswhite/weadless/cmd/weadless/commands"
)

// The display and the frame pump share the main OS thread.
func init() {
	runtime.LockOSThread()
}

func main() {
	commands.Execute()
}
