package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	umbra "github.com/Team1-2308-Capstone/Umbra"
	"github.com/Team1-2308-Capstone/Umbra/collab"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	Doc    *umbra.Umbra
	Tokens *collab.RoomTokens
	Runner *collab.Runner
	// relay address used when the token service names none
	Relay string

	rl *readline.Instance
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("join"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("status"),

	readline.PcItem("cat"),
	readline.PcItem("ins"),
	readline.PcItem("del"),
	readline.PcItem("undo"),
	readline.PcItem("redo"),
	readline.PcItem("stop"),

	readline.PcItem("who"),
	readline.PcItem("name"),
	readline.PcItem("cursor"),
	readline.PcItem("lang",
		readline.PcItem("js"),
		readline.PcItem("ts"),
		readline.PcItem("py"),
		readline.PcItem("go"),
		readline.PcItem("rb"),
	),
	readline.PcItem("run"),

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

func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
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
	go repl.watch()
	return
}

func (repl *REPL) Close() error {
	err := repl.Doc.Close()
	if repl.rl != nil {
		_ = repl.rl.Close()
	}
	return err
}

// watch prints what happens to the document meanwhile.
func (repl *REPL) watch() {
	for ev := range repl.Doc.Events() {
		switch ev := ev.(type) {
		case umbra.DocumentChanged:
			if ev.Remote {
				repl.printf("~ %q\n", ev.Text)
			}
		case umbra.ParticipantChanged:
			repl.printf("%s %s\n", ev.Participant.Name, ev.Kind)
		case umbra.ConnectivityChanged:
			if ev.Err != nil {
				repl.printf("[%s] %s\n", ev.State, ev.Err)
			} else {
				repl.printf("[%s]\n", ev.State)
			}
		}
	}
}

func (repl *REPL) printf(format string, args ...any) {
	if repl.rl == nil {
		return
	}
	_, _ = fmt.Fprintf(repl.rl, format, args...)
}

// REPL reads and runs one command.
func (repl *REPL) REPL() (err error) {
	var line string
	line, err = repl.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "help":
		err = repl.CommandHelp(arg)
	// ----- networking -----
	case "join":
		err = repl.CommandJoin(arg)
	case "connect":
		err = repl.CommandConnect(arg)
	case "disconnect":
		err = repl.Doc.Disconnect()
	case "status":
		err = repl.CommandStatus(arg)
	// ----- editing -----
	case "cat", "text":
		err = repl.CommandCat(arg)
	case "ins", "insert":
		err = repl.CommandInsert(arg)
	case "del", "delete":
		err = repl.CommandDelete(arg)
	case "undo":
		err = repl.CommandUndo(arg)
	case "redo":
		err = repl.CommandRedo(arg)
	case "stop":
		err = repl.Doc.StopCapturing()
	// ----- presence -----
	case "who":
		err = repl.CommandWho(arg)
	case "name":
		err = repl.CommandName(arg)
	case "cursor":
		err = repl.CommandCursor(arg)
	case "lang":
		err = repl.CommandLang(arg)
	case "run":
		err = repl.CommandRun(arg)
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}
