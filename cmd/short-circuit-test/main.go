package main

import "github.com/bvarner/pi-short-circuit/internal/cli"

func main() {
	cli.Execute()
}
