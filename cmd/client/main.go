package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/log"

	"note-sync-server/internal/client"
	"note-sync-server/internal/config"
	"note-sync-server/internal/logging"
	"note-sync-server/pkg/jwt"
)

const usage = `usage: note-sync <command> [flags]

commands:
  watch                      stay connected and print every change
  list                       print the notes on the server
  create -title T -body B    create a note
  update -note ID -title T -body B
  delete -note ID
  token                      mint an API token for -id`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("failed to configure logging", "err", err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	id := fs.String("id", hostnameOr("note-sync-cli"), "client id")
	name := fs.String("name", "", "display name")
	noteID := fs.String("note", "", "note id")
	title := fs.String("title", "", "note title")
	body := fs.String("body", "", "note body")
	fs.Parse(args)

	if cmd == "token" {
		if cfg.JWT.Secret == "" {
			logger.Fatal("JWT_SECRET is not set")
		}
		token, err := jwt.GenerateToken(*id, cfg.JWT.Expiration, cfg.JWT.Secret)
		if err != nil {
			logger.Fatal("failed to mint token", "err", err)
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := client.OptionsFromConfig(cfg, *id, *name)
	opts.AutoReconnect = opts.AutoReconnect && cmd == "watch"
	opts.Logger = logger
	cl := client.New(opts)
	if err := cl.Connect(ctx); err != nil {
		logger.Fatal("failed to connect", "addr", opts.StreamAddr, "err", err)
	}
	defer cl.Close()

	switch cmd {
	case "watch":
		watch(ctx, cl, logger)
	case "list":
		printNotes(cl)
	case "create":
		note, err := cl.Create(*title, *body)
		if err != nil {
			logger.Fatal("create failed", "err", err)
		}
		fmt.Println(note.ID)
	case "update":
		if _, err := cl.Update(*noteID, *title, *body); err != nil {
			logger.Fatal("update failed", "note", *noteID, "err", err)
		}
	case "delete":
		if err := cl.Delete(*noteID); err != nil {
			logger.Fatal("delete failed", "note", *noteID, "err", err)
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func watch(ctx context.Context, cl *client.Client, logger *log.Logger) {
	logger.Info("watching", "notes", len(cl.Notes()), "version", cl.Watermark())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cl.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case client.EventCreated, client.EventUpdated:
				logger.Info(string(ev.Kind), "note", ev.NoteID, "title", ev.Note.Title, "version", ev.Note.Version, "by", ev.From)
			case client.EventDeleted:
				logger.Info(string(ev.Kind), "note", ev.NoteID, "by", ev.From)
			case client.EventError, client.EventDisconnected:
				logger.Warn(string(ev.Kind), "err", ev.Err)
			default:
				logger.Debug(string(ev.Kind), "version", cl.Watermark())
			}
		}
	}
}

func printNotes(cl *client.Client) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tVERSION\tAUTHOR\tMODIFIED")
	for _, n := range cl.Notes() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", n.ID, n.Title, n.Version, n.AuthorID, n.LastModified.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
