// Command umbra is a line-mode client for a shared document.
//
//	umbra -doc notes -tokens http://localhost:3001 -relay ws://localhost:3001/sync
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	umbra "github.com/Team1-2308-Capstone/Umbra"
	"github.com/Team1-2308-Capstone/Umbra/collab"
	"github.com/Team1-2308-Capstone/Umbra/store"
	"github.com/Team1-2308-Capstone/Umbra/utils"
)

func main() {
	room := flag.String("doc", collab.DefaultDoc, "document to open")
	tokens := flag.String("tokens", "", "token service base URL")
	relay := flag.String("relay", "", "relay sync address, if the token service names none")
	runner := flag.String("run", "", "code execution endpoint")
	dir := flag.String("dir", defaultDir(), "state directory; empty keeps state in memory")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	st, err := store.Open(store.Options{Dir: *dir, Log: log})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	defer st.Close()

	doc, err := umbra.Open(umbra.Options{Room: *room, Store: st, Log: log})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	repl := REPL{Doc: doc, Relay: *relay}
	if *tokens != "" {
		repl.Tokens = &collab.RoomTokens{BaseURL: *tokens}
	}
	if *runner != "" {
		repl.Runner = &collab.Runner{Endpoint: *runner}
	}
	if err = repl.Open(filepath.Join(os.TempDir(), ".umbra_cmd_log.txt")); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	p := doc.Profile()
	repl.printf("%s editing %q, type help\n", p.Name, doc.Room())
	if repl.Tokens != nil {
		if err = repl.CommandJoin(""); err != nil {
			repl.printf("%s\n", err.Error())
		}
	}

	for err = nil; !errors.Is(err, io.EOF); err = repl.REPL() {
		if err != nil {
			repl.printf("%s\n", err.Error())
		}
	}
	if err = repl.Close(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
	}
}

func defaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "umbra")
}
