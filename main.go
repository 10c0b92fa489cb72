package main

import "lmtrainers/cmd"

func main() {
	cmd.Execute()
}
