package main

import "github.com/arcward/refwarden/cmd"

func main() {
	cmd.Execute()
}
