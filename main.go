package main

import (
	"gitlab.com/tozd/inject/internal/cli"
)

func main() {
	cli.Execute()
}
