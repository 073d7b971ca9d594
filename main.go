// The main package for the siteinsight executable.
package main

import (
	"github.com/JakeFAU/site-insight-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
