package main

import (
	"satbridge/internal/cli"
)

func main() {
	cli.Execute()
}
