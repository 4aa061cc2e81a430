package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/taskq"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	tq  *taskq.TaskQueue
	rl  *readline.Instance
	ctx context.Context
	out io.Writer
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("tasks"),
	readline.PcItem("task"),
	readline.PcItem("batch"),
	readline.PcItem("indexes"),
	readline.PcItem("progress"),

	readline.PcItem("add"),
	readline.PcItem("update"),
	readline.PcItem("settings"),
	readline.PcItem("create"),
	readline.PcItem("drop"),
	readline.PcItem("swap"),
	readline.PcItem("rename"),
	readline.PcItem("cancel"),
	readline.PcItem("delete"),

	readline.PcItem("tick"),
	readline.PcItem("check"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".taskq_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// Execute runs one command line.
func (repl *REPL) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return repl.CommandHelp(args)
	// ----- inspection -----
	case "tasks", "ls":
		return repl.CommandTasks(args)
	case "task", "cat":
		return repl.CommandTask(args)
	case "batch":
		return repl.CommandBatch(args)
	case "indexes":
		return repl.CommandIndexes(args)
	case "progress":
		return repl.CommandProgress(args)
	// ----- registration -----
	case "add", "update":
		return repl.CommandAdd(cmd == "update", args)
	case "settings":
		return repl.CommandSettings(args, line)
	case "create":
		return repl.CommandCreate(args)
	case "drop":
		return repl.CommandDrop(args)
	case "swap", "rename":
		return repl.CommandSwap(cmd == "rename", args)
	case "cancel":
		return repl.CommandCancel(args)
	case "delete":
		return repl.CommandDelete(args)
	// ----- processing -----
	case "tick":
		return repl.CommandTick(args)
	case "check":
		return repl.CommandCheck(args)
	case "exit", "quit":
		return io.EOF
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
}

func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Execute(strings.TrimSpace(line))
}

func runREPL(f *flags) error {
	tq, err := f.open()
	if err != nil {
		return err
	}
	defer tq.Close()
	repl := REPL{tq: tq, ctx: context.Background(), out: os.Stdout}
	if err = repl.Open(); err != nil {
		return err
	}
	defer repl.Close()
	for {
		err = repl.REPL()
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		}
	}
}
