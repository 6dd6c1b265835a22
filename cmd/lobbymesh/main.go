package main

import "github.com/mcoot/lobbymesh/internal/cli"

func main() {
	cli.Execute()
}
