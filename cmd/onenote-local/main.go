// Command onenote-local is a thin administrative wrapper around the
// cache core: sync, bulk index, search, status, and maintenance verbs.
// The access token comes from ONENOTE_ACCESS_TOKEN; real token brokering
// belongs to the identity collaborator.
package main

import (
	"fmt"
	"os"

	onenotelocal "github.com/shulgaalexey/onenote-local"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(onenotelocal.ExitCode(err))
	}
}
