package main

import "c19x.org/internal/cli"

func main() {
	cli.Execute()
}
