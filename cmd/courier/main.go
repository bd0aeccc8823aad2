package main

import "github.com/opencode-ai/courier/internal/cli"

func main() {
	cli.Execute()
}
