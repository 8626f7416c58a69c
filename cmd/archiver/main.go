package main

import (
	"github.com/JakeFAU/archive-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
