// Package main is the entry point for the databox engine.
//
// Databox runs operator-submitted transformation scripts against rows of
// a relational table inside resource-bounded sandboxes, writing the
// result back as a new table. The worker command hosts the job
// dispatcher; the remaining commands submit and inspect work through the
// shared store.
//
// The worker uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import "github.com/isdmx/databox/cli"

func main() {
	cli.Execute()
}
