// Command packvault is the CLI entry point: it does nothing but hand off
// to the cli package, the way the teacher keeps its binary's main.go a
// one-line wrapper around cli.Execute.
package main

import "github.com/tgentry/packvault/cli"

func main() {
	cli.Execute()
}
