// Command resdb resolves, inspects and serves named resources.
package main

import "github.com/mesh-intelligence/resdb/internal/cli"

func main() {
	cli.Execute()
}
