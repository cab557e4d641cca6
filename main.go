package main

import "github.com/marionette-go/marionette/cmd/marionette/cmd"

func main() {
	cmd.Execute()
}
