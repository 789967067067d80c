package main

import "github.com/capgate/capgate/internal/cli"

func main() {
	cli.Execute()
}
