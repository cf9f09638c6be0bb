package main

import "github.com/trickstertwo/xtrack/cmd/xtrack/cmd"

func main() {
	cmd.Execute()
}
