package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/peerchat/internal/chat"
	"github.com/petervdpas/peerchat/internal/negotiate"
	"github.com/petervdpas/peerchat/internal/relay"
)

const consoleHelp = `Commands:
  /peer <id>            select the chat partner (drains parked messages)
  /connect              open a direct connection to the selected peer
  /status               connection details
  /online [id]          relay presence of a user (default: selected peer)
  /history              conversation with the selected peer
  /drain                fetch parked messages now
  /contacts             list contacts
  /add <id> [name]      add a contact
  /remove <id>          remove a contact
  /request <id>         send a contact request
  /requests             pending requests addressed to you
  /approve <requestId>  approve a request
  /reject <requestId>   reject a request
  /notifications        read notifications
  /help                 this text
  /quit                 exit
Anything else is sent as a message.`

var errQuit = errors.New("quit")

// Console is the line-oriented front end of a peer.
type Console struct {
	mgr    *negotiate.Manager
	client *relay.Client

	mu  sync.Mutex
	out io.Writer
}

func NewConsole(mgr *negotiate.Manager, client *relay.Client, out io.Writer) *Console {
	c := &Console{mgr: mgr, client: client, out: out}
	mgr.OnStateChange(func(peer string, st negotiate.State) {
		c.printf("* %s: %s\n", peer, st)
	})
	return c
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads commands from in until EOF, /quit or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Type /help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("! %v\n", err)
			}
		}
	}
}

// Watch prints incoming messages and delivery updates until ctx ends.
func (c *Console) Watch(ctx context.Context) {
	h := c.mgr.History()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m := ev.Message
			switch {
			case m.Status == chat.StatusReceived && !ev.Updated:
				c.printf("[%s %s] %s\n", clockTime(m.Timestamp), m.From, m.Content)
			case ev.Updated:
				c.printf("  (%s → %s)\n", shortID(m.ID), m.Status)
			}
		}
	}
}

// Exec runs one console line.
func (c *Console) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(ctx, line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/quit", "/exit":
		return errQuit

	case "/peer":
		if arg(0) == "" {
			return errors.New("usage: /peer <id>")
		}
		if arg(0) == c.mgr.Local() {
			return errors.New("cannot chat with yourself")
		}
		if err := c.mgr.Select(ctx, arg(0)); err != nil {
			return err
		}
		c.printf("* chatting with %s\n", arg(0))
	case "/connect":
		if err := c.mgr.Connect(ctx); err != nil {
			return err
		}
	case "/status":
		st, err := c.mgr.Status(ctx)
		if err != nil {
			return err
		}
		if st.Peer == "" {
			c.printf("no peer selected\n")
			return nil
		}
		c.printf("peer %s: %s (signaling %s, ice %s, channel open %v, ice restarted %v)\n",
			st.Peer, st.State, st.Signaling, st.ICE, st.ChannelOpen, st.Restarted)
		if !st.LastHeartbeat.IsZero() {
			c.printf("last heartbeat %s\n", st.LastHeartbeat.Format("15:04:05"))
		}
	case "/online":
		id := arg(0)
		if id == "" {
			id = c.mgr.Peer()
		}
		if id == "" {
			return errors.New("usage: /online <id>")
		}
		st, err := c.client.PeerStatus(ctx, id)
		if err != nil {
			return err
		}
		seen := "never"
		if st.LastSeen != nil {
			seen = *st.LastSeen
		}
		state := "offline"
		if st.Online {
			state = "online"
		}
		c.printf("%s is %s (last seen %s)\n", st.PeerID, state, seen)
	case "/history":
		peer := c.mgr.Peer()
		if peer == "" {
			return negotiate.ErrNoSession
		}
		for _, m := range c.mgr.History().Conversation(peer) {
			c.printf("[%s %s] %s (%s)\n", clockTime(m.Timestamp), m.From, m.Content, m.Status)
		}
	case "/drain":
		n, err := c.mgr.Drain(ctx)
		if err != nil {
			return err
		}
		c.printf("* %d parked message(s)\n", n)

	case "/contacts":
		list, err := c.client.Contacts(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			c.printf("no contacts\n")
		}
		for _, ct := range list {
			c.printf("%s  %s\n", ct.PeerID, ct.Name)
		}
	case "/add":
		if arg(0) == "" {
			return errors.New("usage: /add <id> [name]")
		}
		ct, err := c.client.AddContact(ctx, arg(0), strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		c.printf("* added %s (%s)\n", ct.PeerID, ct.Name)
	case "/remove":
		if arg(0) == "" {
			return errors.New("usage: /remove <id>")
		}
		if err := c.client.RemoveContact(ctx, arg(0)); err != nil {
			return err
		}
		c.printf("* removed %s\n", arg(0))
	case "/request":
		if arg(0) == "" {
			return errors.New("usage: /request <id>")
		}
		id, dup, err := c.client.RequestContact(ctx, arg(0))
		if err != nil {
			return err
		}
		if dup {
			c.printf("* request %s already pending\n", id)
		} else {
			c.printf("* request %s sent\n", id)
		}
	case "/requests":
		reqs, err := c.client.ContactRequests(ctx)
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			c.printf("no pending requests\n")
		}
		for _, r := range reqs {
			c.printf("%s  from %s\n", r.ID, r.From)
		}
	case "/approve", "/reject":
		if arg(0) == "" {
			return fmt.Errorf("usage: %s <requestId>", cmd)
		}
		if err := c.client.RespondContactRequest(ctx, arg(0), cmd == "/approve"); err != nil {
			return err
		}
		c.printf("* %s done\n", strings.TrimPrefix(cmd, "/"))
	case "/notifications":
		ns, err := c.client.Notifications(ctx)
		if err != nil {
			return err
		}
		if len(ns) == 0 {
			c.printf("no notifications\n")
		}
		for _, n := range ns {
			c.printf("[%s %s] %s\n", clockTime(n.Timestamp), n.From, n.Message)
		}

	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}

func (c *Console) send(ctx context.Context, text string) error {
	res, err := c.mgr.Send(ctx, text)
	if err != nil {
		return err
	}
	switch {
	case res.Delivered:
		c.printf("  (%s delivered)\n", shortID(res.MessageID))
	case res.QueuedID != "":
		c.printf("  (%s queued on relay)\n", shortID(res.MessageID))
	}
	return nil
}

func clockTime(ms int64) string {
	return time.UnixMilli(ms).Format("15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
