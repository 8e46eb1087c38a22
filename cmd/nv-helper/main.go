package main

import "nvhelper/internal/cli"

func main() {
	cli.Main()
}
