package main

import "github.com/termdesk/termdesk/cmd/termdesk/commands"

func main() {
	commands.Execute()
}
