// Command acople runs the chat bridge: the supervisor with its plugin
// dispatcher, or one of the built-in platform adapters.
package main

import (
	"os"

	"acople/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
