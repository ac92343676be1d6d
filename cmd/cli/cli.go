// Package cli is a small command-tree and flag-parsing helper, in the
// same shape as the flag-based CLI layer every Miralis command is built
// on: an App holding global flags and a list of Commands, each Command
// holding its own flags and an Action.
package cli

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
)

// Flag is satisfied by StringFlag, BoolFlag and IntFlag.
type Flag interface {
	Apply(*flag.FlagSet)
	GetName() string
}

type StringFlag struct {
	Name  string
	Value string
	Usage string
}

func (f StringFlag) Apply(set *flag.FlagSet) { set.String(f.Name, f.Value, f.Usage) }
func (f StringFlag) GetName() string         { return f.Name }

type BoolFlag struct {
	Name  string
	Usage string
}

func (f BoolFlag) Apply(set *flag.FlagSet) { set.Bool(f.Name, false, f.Usage) }
func (f BoolFlag) GetName() string         { return f.Name }

type IntFlag struct {
	Name  string
	Value int
	Usage string
}

func (f IntFlag) Apply(set *flag.FlagSet) { set.Int(f.Name, f.Value, f.Usage) }
func (f IntFlag) GetName() string         { return f.Name }

// Context carries the parsed flags for the running command, plus access
// to the global flags parsed by the App.
type Context struct {
	App     *App
	Command *Command
	flagSet *flag.FlagSet
	parent  *Context
}

func newContext(app *App, cmd *Command, set *flag.FlagSet, parent *Context) *Context {
	return &Context{App: app, Command: cmd, flagSet: set, parent: parent}
}

func (c *Context) String(name string) string {
	if f := c.flagSet.Lookup(name); f != nil {
		return f.Value.String()
	}
	if c.parent != nil {
		return c.parent.String(name)
	}
	return ""
}

func (c *Context) Bool(name string) bool {
	if f := c.flagSet.Lookup(name); f != nil {
		return f.Value.String() == "true"
	}
	if c.parent != nil {
		return c.parent.Bool(name)
	}
	return false
}

func (c *Context) Int(name string) int {
	if f := c.flagSet.Lookup(name); f != nil {
		var v int
		fmt.Sscanf(f.Value.String(), "%d", &v)
		return v
	}
	if c.parent != nil {
		return c.parent.Int(name)
	}
	return 0
}

func (c *Context) Args() []string { return c.flagSet.Args() }

func (c *Context) GlobalString(name string) string {
	ctx := c
	for ctx.parent != nil {
		ctx = ctx.parent
	}
	return ctx.String(name)
}

func (c *Context) GlobalBool(name string) bool {
	ctx := c
	for ctx.parent != nil {
		ctx = ctx.parent
	}
	return ctx.Bool(name)
}

// Command is a named, independently flagged subcommand of an App.
type Command struct {
	Name      string
	Usage     string
	ArgsUsage string
	Flags     []Flag
	Action    func(*Context) error

	// Hidden commands are dispatchable but excluded from App.usage's
	// listing — for re-exec-only subcommands like "__run-hart" that
	// exist for the binary to invoke itself, not for a user to type.
	Hidden bool
}

func (c Command) flagSet() *flag.FlagSet {
	set := flag.NewFlagSet(c.Name, flag.ContinueOnError)
	set.SetOutput(ioutil.Discard)
	for _, f := range c.Flags {
		f.Apply(set)
	}
	return set
}

func (c Command) run(parent *Context, args []string) error {
	set := c.flagSet()
	if err := set.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	ctx := newContext(parent.App, &c, set, parent)
	return c.Action(ctx)
}

// App is the top-level command dispatcher, analogous to a program's
// entry point: it owns the global flags and the registered commands.
type App struct {
	Name     string
	Usage    string
	Version  string
	Commands []Command
	Flags    []Flag
	Before   func(*Context) error
	Writer   io.Writer
}

func NewApp() *App {
	return &App{
		Name:   os.Args[0],
		Usage:  "",
		Writer: os.Stdout,
	}
}

func (a *App) flagSet() *flag.FlagSet {
	set := flag.NewFlagSet(a.Name, flag.ContinueOnError)
	set.SetOutput(ioutil.Discard)
	for _, f := range a.Flags {
		f.Apply(set)
	}
	return set
}

func (a *App) command(name string) *Command {
	for i := range a.Commands {
		if a.Commands[i].Name == name {
			return &a.Commands[i]
		}
	}
	return nil
}

// Run parses global flags out of arguments[1:], dispatches to the named
// subcommand (arguments[0] is the program name, matching os.Args), and
// runs a.Before first if set.
func (a *App) Run(arguments []string) error {
	if len(arguments) < 2 {
		a.usage()
		return fmt.Errorf("no command given")
	}

	name := arguments[1]
	rest := arguments[2:]

	// Global flags may precede the command name.
	if strings.HasPrefix(name, "-") {
		set := a.flagSet()
		if err := set.Parse(arguments[1:]); err != nil {
			return err
		}
		remaining := set.Args()
		if len(remaining) == 0 {
			a.usage()
			return fmt.Errorf("no command given")
		}
		name = remaining[0]
		rest = remaining[1:]
		ctx := newContext(a, nil, set, nil)
		return a.dispatch(ctx, name, rest)
	}

	set := a.flagSet()
	if err := set.Parse([]string{}); err != nil {
		return err
	}
	ctx := newContext(a, nil, set, nil)
	return a.dispatch(ctx, name, rest)
}

func (a *App) dispatch(ctx *Context, name string, rest []string) error {
	cmd := a.command(name)
	if cmd == nil {
		a.usage()
		return fmt.Errorf("unknown command %q", name)
	}
	if a.Before != nil {
		if err := a.Before(ctx); err != nil {
			return err
		}
	}
	return cmd.run(ctx, rest)
}

func (a *App) usage() {
	fmt.Fprintf(a.Writer, "%s - %s\n\nCOMMANDS:\n", a.Name, a.Usage)
	for _, c := range a.Commands {
		if c.Hidden {
			continue
		}
		fmt.Fprintf(a.Writer, "  %-12s %s\n", c.Name, c.Usage)
	}
}
