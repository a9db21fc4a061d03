package main

import "github.com/a2c-smcp/smcp/cmd/smcp-computer/cmd"

func main() {
	cmd.Execute()
}
