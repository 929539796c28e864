package main

import (
	"fmt"
	"os"
)

func main() {
	config := NewCliConfig()
	rc, err := Cli(os.Args[1:], config)
	if err != nil {
		fmt.Fprintf(config.Stderr, "pathkv: %v\n", err)
	}
	os.Exit(rc)
}
