// Package main is the entry point for the segmenter recorder.
package main

import (
	"os"

	"segmenter/cmd/segmenter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
