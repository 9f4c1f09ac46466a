package main

import "github.com/agentic-research/kubefs/cmd"

func main() {
	cmd.Execute()
}
