package main

import "github.com/arefed/slackmigrate/cmd"

func main() {
	cmd.Execute()
}
