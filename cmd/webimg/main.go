package main

import "github.com/webimg/webimg/cmd/webimg/cmd"

func main() {
	cmd.Execute()
}
