// Command ssocore is the process entrypoint: config loading, storage
// selection, and HTTP server lifecycle around the auth core.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
