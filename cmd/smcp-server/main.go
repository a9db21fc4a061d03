package main

import "github.com/a2c-smcp/smcp/cmd/smcp-server/cmd"

func main() {
	cmd.Execute()
}
