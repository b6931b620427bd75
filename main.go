package main

import "wafproxy/cmd"

func main() {
	cmd.Execute()
}
