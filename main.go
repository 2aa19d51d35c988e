// The main package for the newsdedup executable.
package main

import (
	"github.com/aserikov/newsdedup/cmd"
)

func main() {
	cmd.Execute()
}
