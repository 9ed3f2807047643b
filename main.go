package main

import "github.com/tanq16/streamfetch/cmd"

func main() {
	cmd.Execute()
}
