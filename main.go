// The main package for the refresher executable.
package main

import (
	"github.com/JakeFAU/timetable-refresher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
