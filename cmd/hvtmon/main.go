// Command hvtmon boots a guest ELF image into a KVM virtual machine.
package main

import (
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/hvt-go/monitor/hostenv"
	"github.com/hvt-go/monitor/monitor"
)

// CLI is the entire command-line surface: one positional guest image path
// and one optional profiling flag. Everything else this monitor needs
// comes from the HERMIT_* environment, not flags, matching spec.md §6.
type CLI struct {
	Kernel  string `arg:"" help:"path to the guest ELF image"`
	Profile string `help:"write a CPU profile to this directory" type:"path"`
}

func main() {
	os.Exit(run())
}

// run holds everything that must finish, including deferred cleanup, before
// the process exits: os.Exit does not run deferred functions, so the
// profiler's Stop (which flushes the CPU profile) has to happen here, not
// in main.
func run() int {
	var c CLI

	kong.Parse(&c,
		kong.Name("hvtmon"),
		kong.Description("hvtmon boots a 64-bit unikernel ELF image into a KVM virtual machine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.Profile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(c.Profile)).Stop()
	}

	env, err := hostenv.Parse()
	if err != nil {
		log.Print(err)

		return 1
	}

	code, err := monitor.Run(c.Kernel, env)
	if err != nil {
		log.Print(err)
	}

	return code
}
