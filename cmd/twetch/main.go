// Command twetch builds and publishes twetch actions from the terminal.
package main

import (
	"os"
)

func main() {
	os.Exit(NewRunner(os.Stdout, os.Stderr).Run(os.Args[1:]))
}
