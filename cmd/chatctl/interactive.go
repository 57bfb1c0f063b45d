package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/djamkenny/hairbookery-sub000/internal/chat"
	"github.com/djamkenny/hairbookery-sub000/internal/client"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// printer writes newly confirmed messages and connectivity changes of one
// session to out. It is driven by OnChange.
type printer struct {
	out io.Writer

	mu        sync.Mutex
	owner     string
	seen      map[string]bool
	failed    map[string]bool
	connected bool
	typing    bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]bool), failed: make(map[string]bool)}
}

// render prints what changed since the last call for st.
func (p *printer) render(st chat.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.OwnerID != p.owner {
		p.owner = st.OwnerID
		p.seen = make(map[string]bool)
		p.failed = make(map[string]bool)
	}
	if st.Connected != p.connected {
		p.connected = st.Connected
		if st.Connected {
			fmt.Fprintln(p.out, "* connected")
		} else if st.Exhausted {
			fmt.Fprintln(p.out, "* offline, type /reconnect to try again")
		} else {
			fmt.Fprintln(p.out, "* reconnecting...")
		}
	}
	if st.RemoteTyping != p.typing {
		p.typing = st.RemoteTyping
		if st.RemoteTyping {
			fmt.Fprintln(p.out, "* typing...")
		}
	}
	for _, m := range st.Messages {
		if m.Status == chat.StatusFailed && !p.failed[m.ID] {
			p.failed[m.ID] = true
			fmt.Fprintf(p.out, "x not sent: %s (/retry %s)\n", m.Body, m.ID)
		}
		if m.Status != chat.StatusSent && m.Status != chat.StatusDelivered {
			continue
		}
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		edited := ""
		if m.EditedAt != nil {
			edited = " (edited)"
		}
		mark := "+"
		if m.Status == chat.StatusDelivered {
			mark = "++"
		}
		fmt.Fprintf(p.out, "[%s] %s: %s%s %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderRole, m.Body, edited, mark)
	}
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner = ""
	p.seen = make(map[string]bool)
	p.failed = make(map[string]bool)
}

func printNotice(n chat.Notice) {
	if n.Kind == chat.NoticeQueued {
		fmt.Println("* message queued")
		return
	}
	if n.MessageID != "" {
		fmt.Printf("! %s (id %s)\n", n, n.MessageID)
		return
	}
	fmt.Printf("! %s\n", n)
}

// signIn resolves the account behind the token and checks its role.
func signIn(ctx context.Context, g *globals, want domain.Role) (*client.Client, *domain.User, error) {
	if g.token == "" {
		return nil, nil, errors.New("no token: pass --token or set CHAT_TOKEN")
	}
	api := g.client()
	me, err := api.Me(ctx)
	if err != nil {
		return nil, nil, err
	}
	if me.Role != want {
		return nil, nil, fmt.Errorf("%s is signed in as %s, this command needs %s", me.Email, me.Role, want)
	}
	return api, me, nil
}

// readLines feeds stdin lines to handle until EOF, /quit or ctx ends.
func readLines(ctx context.Context, handle func(line string) bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || !handle(line) {
				return
			}
		}
	}
}

func runWidget(ctx context.Context, args []string) error {
	var g globals
	fs := pflag.NewFlagSet("widget", pflag.ExitOnError)
	g.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := g.logger()

	api, me, err := signIn(ctx, &g, domain.RoleUser)
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	var w *chat.Widget
	w, err = chat.NewWidget(chat.Options{
		SelfID:    me.ID,
		Store:     api,
		Transport: client.NewSocket(g.wsURL(), g.token, logger),
		Logger:    logger,
		OnChange: func() {
			if w != nil {
				out.render(w.State())
			}
		},
		OnNotice: printNotice,
	})
	if err != nil {
		return err
	}
	defer w.Shutdown()

	fmt.Printf("Chatting with support as %s. /help for commands.\n", me.Name)
	w.Open()
	_ = w.Start(ctx)
	out.render(w.State())
	if w.Welcome() {
		fmt.Println("* Hi! Ask us anything about your booking.")
	}

	readLines(ctx, func(line string) bool {
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/help":
			fmt.Println("/typing  /retry <id>  /clear  /min  /restore  /reconnect  /quit")
		case "/typing":
			w.SetTyping(true)
		case "/retry":
			if err := w.Retry(ctx, strings.TrimSpace(arg)); err != nil {
				fmt.Println("!", err)
			}
		case "/clear":
			if err := w.ClearChat(ctx); err == nil {
				out.reset()
				fmt.Println("* conversation cleared")
			}
		case "/min":
			w.Minimize()
		case "/restore":
			w.Restore()
			out.render(w.State())
		case "/reconnect":
			w.Reconnect()
		default:
			w.SetTyping(false)
			if _, err := w.Send(ctx, line); err != nil && !errors.Is(err, chat.ErrSessionClosed) {
				var ve *domain.ValidationError
				if errors.As(err, &ve) {
					fmt.Println("!", err)
				}
			}
		}
		return true
	})
	return ctx.Err()
}

func runInbox(ctx context.Context, args []string) error {
	var g globals
	fs := pflag.NewFlagSet("inbox", pflag.ExitOnError)
	g.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := g.logger()

	api, me, err := signIn(ctx, &g, domain.RoleAdmin)
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	var in *chat.Inbox
	in, err = chat.NewInbox(chat.InboxOptions{
		SelfID:    me.ID,
		Store:     api,
		Transport: client.NewSocket(g.wsURL(), g.token, logger),
		Logger:    logger,
		OnChange: func() {
			if in == nil {
				return
			}
			if s := in.Session(); s != nil {
				out.render(s.State())
			}
		},
		OnNotice: printNotice,
	})
	if err != nil {
		return err
	}
	defer in.Close()

	fmt.Printf("Inbox for %s. /help for commands.\n", me.Name)
	if err := in.Start(ctx); err != nil {
		fmt.Println("!", err)
	}
	listConversations(in)

	readLines(ctx, func(line string) bool {
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/help":
			fmt.Println("/list  /search <q>  /open <owner>  /archive <owner>  /retry <id>  /read  /quit")
		case "/list":
			listConversations(in)
		case "/search":
			in.SetFilter(arg)
			listConversations(in)
		case "/open":
			out.reset()
			if err := in.Select(ctx, arg); err != nil {
				fmt.Println("!", err)
			}
		case "/archive":
			if err := in.Archive(ctx, arg); err == nil {
				fmt.Println("* archived", arg)
			}
		case "/retry":
			if s := in.Session(); s != nil {
				if err := s.Retry(ctx, arg); err != nil {
					fmt.Println("!", err)
				}
			}
		case "/read":
			if owner := in.Selected(); owner != "" {
				in.MarkRead(owner)
			}
		default:
			s := in.Session()
			if s == nil {
				fmt.Println("! open a conversation first: /open <owner>")
				return true
			}
			if _, err := s.Send(ctx, line); err != nil {
				var ve *domain.ValidationError
				if errors.As(err, &ve) {
					fmt.Println("!", err)
				}
			}
		}
		return true
	})
	return ctx.Err()
}

func listConversations(in *chat.Inbox) {
	convs := in.Conversations()
	if len(convs) == 0 {
		fmt.Println("* no conversations")
		return
	}
	for _, c := range convs {
		name := c.Owner.Name
		if name == "" {
			name = c.Owner.ID
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		marker := " "
		if c.Owner.ID == in.Selected() {
			marker = ">"
		}
		fmt.Printf("%s %s <%s> %s%s: %s\n", marker, c.Owner.ID, c.Owner.Email, name, unread, c.LastMessage.Body)
	}
}
