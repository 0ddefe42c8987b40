// Command arggraph serves and maintains collaboratively edited argument
// graphs.
package main

import (
	"os"

	"github.com/roach88/arggraph/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
