package main

import "github.com/aixgo-dev/promptly/internal/cli"

func main() {
	cli.Execute()
}
