package main

import "github.com/pinstack/pinstack/cmd/pinstackd/cmd"

func main() {
	cmd.Execute()
}
