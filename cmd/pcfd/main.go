// Command pcfd runs a peer communication fabric node.
package main

import "github.com/raskyld/pcf/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
