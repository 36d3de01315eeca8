package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	umbra "github.com/Team1-2308-Capstone/Umbra"
	"github.com/Team1-2308-Capstone/Umbra/awareness"
)

var HelpText = `join [doc]             fetch a token and connect
connect <addr> <token> connect with a known token
disconnect | status
cat | ins <pos> <text> | del <pos> <len> | undo | redo | stop
who | name <name> | cursor <anchor> [head] | lang <js|ts|py|go|rb>
run                    execute the document
exit`

var (
	HelpConnect = errors.New("connect ws://host:port/sync <token>")
	HelpInsert  = errors.New("ins 0 some text")
	HelpDelete  = errors.New("del 0 4")
	HelpCursor  = errors.New("cursor 3 [7]")
	HelpName    = errors.New("name Blue Owl")
	HelpLang    = errors.New("lang go")
)

func ints(arg string, lo, hi int) (n []int, err error) {
	for _, f := range strings.Fields(arg) {
		var i int
		if i, err = strconv.Atoi(f); err != nil {
			return nil, err
		}
		n = append(n, i)
	}
	if len(n) < lo || len(n) > hi {
		return nil, fmt.Errorf("want %d to %d numbers", lo, hi)
	}
	return
}

func (repl *REPL) CommandHelp(arg string) error {
	repl.printf("%s\n", HelpText)
	return nil
}

func (repl *REPL) CommandJoin(arg string) error {
	if repl.Tokens == nil {
		return errors.New("no token service, use connect")
	}
	if arg != "" && arg != repl.Doc.Room() {
		return fmt.Errorf("this document is %q; restart with -doc %s", repl.Doc.Room(), arg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return repl.Doc.Join(ctx, repl.Tokens, umbra.ConnectOptions{Addr: repl.Relay})
}

func (repl *REPL) CommandConnect(arg string) error {
	addr, token, ok := strings.Cut(arg, " ")
	if !ok || addr == "" {
		return HelpConnect
	}
	return repl.Doc.Connect(umbra.ConnectOptions{Addr: addr, Token: strings.TrimSpace(token)})
}

func (repl *REPL) CommandStatus(arg string) error {
	repl.printf("%s room=%s src=%x vv=%s\n", repl.Doc.State(), repl.Doc.Room(), repl.Doc.Src(), repl.Doc.StateVector().String())
	return nil
}

func (repl *REPL) CommandCat(arg string) error {
	text, err := repl.Doc.Text()
	if err == nil {
		repl.printf("%s\n", text)
	}
	return err
}

func (repl *REPL) CommandInsert(arg string) error {
	pos, text, ok := strings.Cut(arg, " ")
	n, err := strconv.Atoi(pos)
	if !ok || err != nil {
		return HelpInsert
	}
	return repl.Doc.Insert(n, strings.ReplaceAll(text, `\n`, "\n"))
}

func (repl *REPL) CommandDelete(arg string) error {
	n, err := ints(arg, 2, 2)
	if err != nil {
		return HelpDelete
	}
	return repl.Doc.Delete(n[0], n[1])
}

func (repl *REPL) CommandUndo(arg string) error {
	ok, err := repl.Doc.Undo()
	if err == nil && !ok {
		repl.printf("nothing to undo\n")
	}
	return err
}

func (repl *REPL) CommandRedo(arg string) error {
	ok, err := repl.Doc.Redo()
	if err == nil && !ok {
		repl.printf("nothing to redo\n")
	}
	return err
}

func (repl *REPL) CommandWho(arg string) error {
	list, err := repl.Doc.Participants()
	if err != nil {
		return err
	}
	for _, p := range list {
		me := ""
		if p.Local {
			me = " (you)"
		}
		cursor := "-"
		if p.Cursor != nil {
			cursor = fmt.Sprintf("%d:%d", p.Cursor.Anchor, p.Cursor.Head)
		}
		repl.printf("%x\t%s%s\t%s\t%s\t%s\n", p.ID, p.Name, me, p.Color.Color, p.Language, cursor)
	}
	return nil
}

func (repl *REPL) CommandName(arg string) error {
	if arg == "" {
		return HelpName
	}
	return repl.Doc.SetName(arg)
}

func (repl *REPL) CommandCursor(arg string) error {
	n, err := ints(arg, 1, 2)
	if err != nil {
		return HelpCursor
	}
	if len(n) == 1 {
		n = append(n, n[0])
	}
	return repl.Doc.SetCursor(n[0], n[1])
}

func (repl *REPL) CommandLang(arg string) error {
	if arg == "" {
		repl.printf("%s\n", repl.Doc.Language())
		return nil
	}
	err := repl.Doc.SetLanguage(awareness.Language(arg))
	if errors.Is(err, umbra.ErrBadLanguage) {
		return HelpLang
	}
	return err
}

func (repl *REPL) CommandRun(arg string) error {
	if repl.Runner == nil {
		return errors.New("no code runner configured")
	}
	code, err := repl.Doc.Text()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	out, err := repl.Runner.Run(ctx, code, repl.Doc.Language())
	if out != nil {
		repl.printf("%s\n", out.String())
	}
	return err
}
