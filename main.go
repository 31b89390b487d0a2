package main

import "github.com/hanainplan/consultcall/cmd"

func main() {
	cmd.Execute()
}
