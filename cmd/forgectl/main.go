// Command forgectl is the command line client for a forge coordinator.
package main

import "github.com/seantiz/forge/internal/cli"

func main() {
	cli.Execute()
}
