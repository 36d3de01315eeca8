// Command relay runs the sync relay and the room token service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/relay"
	"github.com/Team1-2308-Capstone/Umbra/store"
	"github.com/Team1-2308-Capstone/Umbra/utils"
)

func main() {
	httpAddr := flag.String("http", ":3001", "HTTP address: tokens, websocket sync, metrics")
	tcpAddr := flag.String("listen", "", "raw TLV listen address, e.g. tcp://:7070")
	public := flag.String("public", "", "sync URL advertised with tokens, e.g. wss://relay.example.com/sync")
	dir := flag.String("dir", "", "pebble directory for room logs; empty keeps rooms in memory")
	secret := flag.String("secret", os.Getenv("UMBRA_SECRET"), "token HMAC secret; random if empty")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "token lifetime")
	idle := flag.Int("idle-rooms", 64, "idle rooms kept in memory")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	opts := relay.Options{
		Secret:    []byte(*secret),
		TokenTTL:  *ttl,
		PublicURL: *public,
		IdleRooms: *idle,
		Log:       log,
	}
	if *dir != "" {
		st, err := store.Open(store.Options{Dir: *dir, Sync: true, Log: log})
		if err != nil {
			log.Error("cannot open store", "dir", *dir, "err", err)
			os.Exit(1)
		}
		defer st.Close()
		opts.Store = st
	}
	srv, err := relay.NewServer(opts)
	if err != nil {
		log.Error("cannot start relay", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.Run(ctx)

	if *tcpAddr != "" {
		if err := srv.Listen(*tcpAddr); err != nil {
			log.Error("cannot listen", "addr", *tcpAddr, "err", err)
			os.Exit(1)
		}
	}
	hs := &http.Server{Addr: *httpAddr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdown)
	}()
	log.Info("relay up", "http", *httpAddr, "tcp", *tcpAddr, "store", *dir)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "err", err)
	}
	if err := srv.Close(); err != nil {
		log.Error("close", "err", err)
	}
}
