// Command deet is a ptrace-based command-line debugger: point it at a
// compiled binary and it loads that binary's DWARF debug info, then
// drives the process under it through a small REPL (run, breakpoints,
// step, continue, print, backtrace). Its command dispatch loop is
// modeled on derekparker/delve's main.go, generalized from delve's
// flag-based single-binary invocation to a cobra root command and from
// goreadline to chzyer/readline.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kbridge/deet/internal/breakpoint"
	"github.com/kbridge/deet/internal/controller"
	"github.com/kbridge/deet/internal/dwarfdata"
	"github.com/kbridge/deet/internal/inferior"
	"github.com/kbridge/deet/internal/replcmd"
	"github.com/kbridge/deet/internal/resolver"
)

const historyFileName = ".deet_history"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "deet <binary>",
	Short: "A small ptrace-based command-line debugger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
		return runREPL(args[0])
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func spawnInferior(target string, args []string, table *breakpoint.Table) (controller.InferiorHandle, error) {
	return inferior.Spawn(target, args, table)
}

func runREPL(target string) error {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve path to %s: %w", target, err)
	}

	idx, err := dwarfdata.Load(absTarget)
	if err != nil {
		return fmt.Errorf("load debug info from %s: %w", absTarget, err)
	}
	fmt.Printf("Loaded %s: %s\n", filepath.Base(absTarget), idx.Summary())

	ctl := controller.New(absTarget, idx, resolver.New(), spawnInferior)

	rl, err := newReadline()
	if err != nil {
		return fmt.Errorf("start line editor: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		switch {
		case err == readline.ErrInterrupt:
			// A bare Ctrl-C re-prompts instead of killing the REPL or
			// the inferior underneath it.
			continue
		case err == io.EOF:
			ctl.Quit()
			return nil
		case err != nil:
			return fmt.Errorf("read line: %w", err)
		}

		cmd := replcmd.Parse(line)
		dispatch(ctl, cmd)
		if cmd.Kind == replcmd.Quit {
			return nil
		}
	}
}

func dispatch(ctl *controller.Controller, cmd replcmd.Command) {
	switch cmd.Kind {
	case replcmd.Quit:
		ctl.Quit()
	case replcmd.Run:
		ctl.Run(cmd.Args)
	case replcmd.Continue:
		ctl.Continue()
	case replcmd.Backtrace:
		ctl.Backtrace()
	case replcmd.Break:
		ctl.Break(cmd.Args[0])
	case replcmd.NaturalBreak:
		ctl.NaturalBreak(context.Background(), cmd.Args[0])
	case replcmd.Next:
		ctl.Next()
	case replcmd.Print:
		ctl.Print(cmd.Args[0])
	case replcmd.Unknown:
		// Empty or unrecognized input: silently re-prompt.
	}
}

func newReadline() (*readline.Instance, error) {
	home, err := os.UserHomeDir()
	historyFile := historyFileName
	if err == nil {
		historyFile = filepath.Join(home, historyFileName)
	}

	return readline.NewEx(&readline.Config{
		Prompt:      "(kdb) ",
		HistoryFile: historyFile,
	})
}
