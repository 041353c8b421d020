package main

import "meshcoord/cmd"

func main() {
	cmd.Run()
}
