// Command priorityctl inspects and manages ALB listener rule priority
// allocations outside of a deployment.
//
// Usage:
//
//	priorityctl allocate --listener ARN --service ID [--preferred N]
//	priorityctl release  --listener ARN --service ID
//	priorityctl list     --listener ARN [--format json]
//	priorityctl ensure-table
//	priorityctl verify-table
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
