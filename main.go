// ./main.go
package main

import (
	"github.com/xkilldash9x/shopcheck/cmd"
)

// main is the entry point for the shopcheck CLI.
func main() {
	cmd.Execute()
}
