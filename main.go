package main

import "vpnward/internal/cli"

func main() {
	cli.Execute()
}
