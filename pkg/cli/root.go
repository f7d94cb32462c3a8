package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// stdout receives command output
var stdout io.Writer = os.Stdout

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "swiftinvoice",
		Description: "SwiftInvoice - invoices and checkout from the terminal",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("swiftinvoice", flag.ContinueOnError),
	}

	root.Subcommands["invoices"] = newInvoicesCommand()
	root.Subcommands["checkout"] = newCheckoutCommand()
	root.Subcommands["whoami"] = newWhoamiCommand()

	return root
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.Dispatch(os.Args[1:])
}

// Dispatch routes args to a subcommand, or runs c itself
func (c *Command) Dispatch(args []string) error {
	if len(args) > 0 && isHelp(args[0]) {
		return c.usage()
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 {
			return c.usage()
		}
		if subcmd, ok := c.Subcommands[args[0]]; ok {
			return subcmd.Dispatch(args[1:])
		}
		if c.Run == nil {
			return fmt.Errorf("unknown command: %s", args[0])
		}
	}

	if c.Run == nil {
		return c.usage()
	}
	return c.Run(args)
}

func isHelp(arg string) bool {
	return strings.EqualFold(arg, "-h") || strings.EqualFold(arg, "--help")
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Fprintf(stdout, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(stdout, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
