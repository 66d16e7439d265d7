// The main package for the hnsnap executable.
package main

import (
	"github.com/JakeFAU/hnsnap/cmd"
)

func main() {
	cmd.Execute()
}
