package main

import "github.com/stephnangue/capsule/cmd"

func main() {
	cmd.Execute()
}
