// ./main.go
package main

import (
	"github.com/quarrylabs/agentcore/cmd"
)

func main() {
	// Execute handles command-line parsing, configuration, and execution.
	cmd.Execute()
}
