package main

import "liveconsult/cmd/cli"

func main() {
	cli.Execute()
}
