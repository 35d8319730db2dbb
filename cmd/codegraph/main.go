package main

import "github.com/dpolishuk/codegraph/internal/cli"

func main() {
	cli.Execute()
}
