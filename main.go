// The main package for the linkharvest executable.
package main

import (
	"github.com/marketfeed/linkharvest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
