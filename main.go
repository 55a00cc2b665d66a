// Package main is the entry point for the dflow application.
package main

import (
	"github.com/derivedflow/dflow/cmd"
)

func main() {
	cmd.Execute()
}
