package main

import "visitrelay/internal/cli"

func main() {
	cli.Execute()
}
