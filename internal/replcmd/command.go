// Package replcmd tokenizes one line of REPL input into a structured
// Command, the Go re-expression of original_source's
// debugger_command.rs DebuggerCommand enum, with alias handling drawn
// from the same file and from derekparker/delve's parseCommand in
// main.go.
package replcmd

import "strings"

// Kind tags which debugger operation a Command requests.
type Kind int

const (
	Quit Kind = iota
	Run
	Continue
	Backtrace
	Break
	NaturalBreak
	Next
	Print
	Unknown
)

// Command is one parsed REPL line.
type Command struct {
	Kind Kind
	// Args holds Run's argv, Break's location text, NaturalBreak's free
	// text, or Print's single identifier, one string each.
	Args []string
}

// Parse tokenizes line by whitespace and classifies it. An empty line
// yields Unknown with no args so the REPL can silently re-prompt.
func Parse(line string) Command {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{Kind: Unknown}
	}

	head, rest := tokens[0], tokens[1:]

	switch head {
	case "q", "quit":
		return Command{Kind: Quit}
	case "r", "run":
		return Command{Kind: Run, Args: rest}
	case "c", "cont", "continue":
		return Command{Kind: Continue}
	case "bt", "back", "backtrace":
		return Command{Kind: Backtrace}
	case "b", "break":
		if len(rest) < 1 {
			return Command{Kind: Unknown}
		}
		return Command{Kind: Break, Args: []string{strings.Join(rest, " ")}}
	case "nb":
		if len(rest) < 1 {
			return Command{Kind: Unknown}
		}
		return Command{Kind: NaturalBreak, Args: []string{strings.Join(rest, " ")}}
	case "n", "next":
		return Command{Kind: Next}
	case "p", "print":
		if len(rest) < 1 {
			return Command{Kind: Unknown}
		}
		return Command{Kind: Print, Args: []string{rest[0]}}
	default:
		return Command{Kind: Unknown}
	}
}
