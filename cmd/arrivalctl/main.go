package main

import "github.com/oshokin/arrival-alarm/cmd/arrivalctl/cmd"

func main() {
	cmd.Execute()
}
