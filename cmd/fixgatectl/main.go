// Command fixgatectl is the operator CLI for fixgated, talking to its
// admin HTTP endpoint to inspect and manage FIX/FIXP sessions.
package main

import "github.com/nexusfix/fixgate/cmd/fixgatectl/commands"

func main() {
	commands.Execute()
}
