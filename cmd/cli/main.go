// Command meshrt is the CLI front end for the mesh runtime.
package main

import "github.com/meshrt/meshrt/cmd/cli/cmd"

func main() {
	cmd.Execute()
}
