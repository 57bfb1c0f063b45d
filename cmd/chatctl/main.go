// Command chatctl is a terminal client for the chat API: it registers and
// signs in accounts and runs the customer widget or the operator inbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/djamkenny/hairbookery-sub000/internal/client"
	"github.com/djamkenny/hairbookery-sub000/internal/obs"
)

const usage = `usage: chatctl <command> [flags]

commands:
  register   create a customer account and print its token
  login      sign in and print a token
  widget     chat with support as the signed-in customer
  inbox      answer customers as an operator
`

type globals struct {
	server string
	token  string
	env    string
}

func (g *globals) bind(fs *pflag.FlagSet) {
	fs.StringVar(&g.server, "server", envOr("CHAT_SERVER", "http://localhost:8000"), "chat API base URL")
	fs.StringVar(&g.token, "token", os.Getenv("CHAT_TOKEN"), "bearer token")
	fs.StringVar(&g.env, "env", envOr("APP_ENV", "prod"), "log profile (dev for debug output)")
}

func (g *globals) logger() *slog.Logger { return obs.NewLoggerTo(g.env, os.Stderr) }

func (g *globals) client() *client.Client { return client.New(g.server, g.token) }

// wsURL maps the API base URL onto the websocket endpoint.
func (g *globals) wsURL() string {
	base := strings.TrimRight(g.server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "register":
		err = runRegister(ctx, args)
	case "login":
		err = runLogin(ctx, args)
	case "widget":
		err = runWidget(ctx, args)
	case "inbox":
		err = runInbox(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "chatctl:", err)
		os.Exit(1)
	}
}

func runRegister(ctx context.Context, args []string) error {
	var g globals
	fs := pflag.NewFlagSet("register", pflag.ExitOnError)
	g.bind(fs)
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := g.client().Register(ctx, *name, *email, *password)
	if err != nil {
		return err
	}
	fmt.Println(sess.AccessToken)
	return nil
}

func runLogin(ctx context.Context, args []string) error {
	var g globals
	fs := pflag.NewFlagSet("login", pflag.ExitOnError)
	g.bind(fs)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sess, err := g.client().Login(ctx, *email, *password)
	if err != nil {
		return err
	}
	fmt.Println(sess.AccessToken)
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
