// Package main provides the entry point for mtsim.
// mtsim is a cycle-level model of a RISC-V hardware-multithreading control
// plane built on Akita.
//
// For the full CLI, use: go run ./cmd/mtsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("mtsim - RISC-V hardware multithreading simulator")
	fmt.Println("Built on Akita simulation framework")
	fmt.Println("")
	fmt.Println("Usage: mtsim [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -scenario  Built-in scenario name or scenario YAML file")
	fmt.Println("  -config    Core configuration JSON or YAML file")
	fmt.Println("  -cycles    Number of cycles to run")
	fmt.Println("  -trace     Write the per-cycle trace to a file")
	fmt.Println("  -progress  Show a progress bar")
	fmt.Println("  -list      List the built-in scenarios")
	fmt.Println("  -v         Verbose output")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/mtsim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/mtsim' instead.")
	}
}
