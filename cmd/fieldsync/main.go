// Command fieldsync runs the offline action queue for field technicians:
// a local API for the UI plus commands to inspect and drive the queue.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
