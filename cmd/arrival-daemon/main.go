package main

import "github.com/oshokin/arrival-alarm/cmd/arrival-daemon/cmd"

func main() {
	cmd.Execute()
}
