package main

import "github.com/arcward/plugboard/cmd"

func main() {
	cmd.Execute()
}
