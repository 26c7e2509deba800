package main

import "github.com/glimte/mmate-notify/cmd/mmate-notify/cmd"

func main() {
	cmd.Execute()
}
