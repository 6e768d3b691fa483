package main

import (
	"Encore/cmd"
)

func main() {
	cmd.Execute()
}
