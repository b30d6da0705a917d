package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/control"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	callTimeout      = 10 * time.Second
	assistantTimeout = 2 * time.Minute
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c, err := control.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	timeout := callTimeout
	if args[0] == "ask" || args[0] == "suggest" {
		timeout = assistantTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ctl := &cli{c: c, profile: name, json: *jsonFlag}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		ctl.status(ctx)
	case "login":
		ctl.login(ctx, rest)
	case "logout":
		ctl.check(c.Logout(ctx))
		fmt.Println("Logged out.")
	case "sessions":
		ctl.sessions(ctx, rest)
	case "messages":
		ctl.messages(ctx, rest)
	case "open":
		need(rest, 1, "open <sessionId>")
		resp, err := c.OpenSession(ctx, rest[0])
		ctl.check(err)
		ctl.printMessages(resp)
	case "close":
		ctl.check(c.CloseSession(ctx))
	case "send":
		need(rest, 2, "send <sessionId> <text...>")
		resp, err := c.SendText(ctx, control.SendTextRequest{SessionID: rest[0], Text: strings.Join(rest[1:], " ")})
		ctl.check(err)
		ctl.printSend(resp)
	case "retry":
		need(rest, 2, "retry <sessionId> <localId>")
		resp, err := c.Retry(ctx, rest[0], rest[1])
		ctl.check(err)
		ctl.printSend(resp)
	case "read":
		need(rest, 1, "read <sessionId>")
		ctl.check(c.MarkRead(ctx, rest[0]))
	case "delete":
		need(rest, 2, "delete <sessionId> <messageId>")
		ctl.check(c.DeleteMessage(ctx, rest[0], rest[1]))
	case "search":
		ctl.search(ctx, rest)
	case "ask":
		need(rest, 2, "ask <sessionId> <prompt...>")
		resp, err := c.AssistantReply(ctx, rest[0], strings.Join(rest[1:], " "))
		ctl.check(err)
		if ctl.json {
			outputJSON(resp)
			return
		}
		fmt.Println(resp.Text)
		if resp.Error != "" {
			fmt.Fprintf(os.Stderr, "stream error: %s\n", resp.Error)
		}
	case "suggest":
		ctl.suggest(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show daemon status")
	fmt.Fprintln(os.Stderr, "  login <token|->                 Store a bearer token and connect")
	fmt.Fprintln(os.Stderr, "  logout                          Clear the token and local cache")
	fmt.Fprintln(os.Stderr, "  sessions [-refresh] [keyword]   List sessions")
	fmt.Fprintln(os.Stderr, "  messages [-refresh] [-older] [-limit n] <sessionId>")
	fmt.Fprintln(os.Stderr, "                                  Show a session timeline")
	fmt.Fprintln(os.Stderr, "  open <sessionId>                Open a session and follow it live")
	fmt.Fprintln(os.Stderr, "  close                           Leave the open session")
	fmt.Fprintln(os.Stderr, "  send <sessionId> <text...>      Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <sessionId> <localId>     Resend a failed message")
	fmt.Fprintln(os.Stderr, "  read <sessionId>                Mark a session read")
	fmt.Fprintln(os.Stderr, "  delete <sessionId> <messageId>  Delete a message")
	fmt.Fprintln(os.Stderr, "  search [-session id] [-limit n] <query>")
	fmt.Fprintln(os.Stderr, "                                  Search cached messages")
	fmt.Fprintln(os.Stderr, "  ask <sessionId> <prompt...>     Stream an assistant reply")
	fmt.Fprintln(os.Stderr, "  suggest [-locale l] <sessionId> Suggest replies")
	fmt.Fprintln(os.Stderr, "  profiles                        List local profiles")
}

type cli struct {
	c       *control.Client
	profile string
	json    bool
}

// check exits on err, explaining the common daemon states.
func (cl *cli) check(err error) {
	if err == nil {
		return
	}
	switch grpcstatus.Code(err) {
	case codes.Unavailable:
		if _, statErr := os.Stat(profile.SocketPath(cl.profile)); statErr != nil {
			fmt.Fprintf(os.Stderr, "error: daemon for profile %q is not running (start chatsyncd --profile %s)\n", cl.profile, cl.profile)
			os.Exit(1)
		}
	case codes.Unauthenticated:
		fmt.Fprintf(os.Stderr, "error: not logged in (run chatsyncctl --profile %s login <token>)\n", cl.profile)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", grpcstatus.Convert(err).Message())
	os.Exit(1)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func (cl *cli) status(ctx context.Context) {
	resp, err := cl.c.Status(ctx)
	cl.check(err)
	if cl.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Profile:   %s\n", resp.Profile)
	fmt.Printf("State:     %s\n", resp.State)
	fmt.Printf("Logged in: %v\n", resp.LoggedIn)
	if resp.ViewerID != "" {
		fmt.Printf("Viewer:    %s\n", resp.ViewerID)
	}
	if resp.ActiveSession != "" {
		fmt.Printf("Open:      %s\n", resp.ActiveSession)
	}
	fmt.Printf("Uptime:    %s\n", time.Duration(resp.UptimeSeconds)*time.Second)
}

func (cl *cli) login(ctx context.Context, args []string) {
	need(args, 1, "login <token|->")
	token := args[0]
	if token == "-" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "error: read token: %v\n", err)
			os.Exit(1)
		}
		token = strings.TrimSpace(line)
	}
	resp, err := cl.c.Login(ctx, token)
	cl.check(err)
	if cl.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Logged in as %s. State: %s\n", resp.ViewerID, resp.State)
}

func (cl *cli) sessions(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "fetch from the server")
	_ = fs.Parse(args)

	resp, err := cl.c.ListSessions(ctx, control.ListSessionsRequest{
		Keyword: strings.Join(fs.Args(), " "),
		Refresh: *refresh,
	})
	cl.check(err)
	if cl.json {
		outputJSON(resp)
		return
	}
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "warning: %s (showing cached sessions)\n", resp.Error)
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range resp.Sessions {
		unread := ""
		if s.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", s.UnreadCount)
		}
		when := ""
		if r := s.Recency(); !r.IsZero() {
			when = r.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-36s %-5s %-16s %s\n", s.ID, unread, when, terminalSafe(s.LastMessageExcerpt))
	}
}

func (cl *cli) messages(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	refresh := fs.Bool("refresh", false, "fetch the newest page from the server")
	older := fs.Bool("older", false, "fetch the page before the oldest loaded message")
	limit := fs.Int("limit", 0, "page size")
	_ = fs.Parse(args)
	need(fs.Args(), 1, "messages [-refresh] [-older] [-limit n] <sessionId>")

	resp, err := cl.c.ListMessages(ctx, control.ListMessagesRequest{
		SessionID: fs.Arg(0),
		Limit:     *limit,
		Refresh:   *refresh,
		Older:     *older,
	})
	cl.check(err)
	cl.printMessages(resp)
}

func (cl *cli) printMessages(resp *control.MessagesReply) {
	if cl.json {
		outputJSON(resp)
		return
	}
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "warning: %s (showing cached messages)\n", resp.Error)
	}
	if resp.HasMore {
		fmt.Println("  ... older messages available (messages -older)")
	}
	for _, m := range resp.Messages {
		state := ""
		switch {
		case m.IsLocal:
			state = fmt.Sprintf(" [%s %s]", m.Status, m.LocalID)
		case m.IsRecalled:
			state = " [recalled]"
		}
		fmt.Printf("%s %-12s %s%s\n", m.CreatedAt.Local().Format("01-02 15:04"), m.SenderID, terminalSafe(m.Content), state)
	}
}

func (cl *cli) printSend(resp *control.SendReply) {
	if cl.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Sent via %s (client id %s)\n", resp.Via, resp.ClientMessageID)
}

func (cl *cli) search(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	session := fs.String("session", "", "limit to one session")
	limit := fs.Int("limit", 0, "maximum results")
	_ = fs.Parse(args)
	need(fs.Args(), 1, "search [-session id] [-limit n] <query>")

	resp, err := cl.c.Search(ctx, control.SearchRequest{
		Query:     strings.Join(fs.Args(), " "),
		SessionID: *session,
		Limit:     *limit,
	})
	cl.check(err)
	if cl.json {
		outputJSON(resp)
		return
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range resp.Results {
		fmt.Printf("%s %s %-12s %s\n", r.SessionID, r.CreatedAt, r.SenderID, terminalSafe(r.Snippet))
	}
}

func (cl *cli) suggest(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("suggest", flag.ExitOnError)
	locale := fs.String("locale", "", "reply language, e.g. en-US")
	_ = fs.Parse(args)
	need(fs.Args(), 1, "suggest [-locale l] <sessionId>")

	resp, err := cl.c.SuggestReplies(ctx, fs.Arg(0), *locale)
	cl.check(err)
	if cl.json {
		outputJSON(resp)
		return
	}
	if resp.Notice != "" {
		fmt.Fprintf(os.Stderr, "note: %s\n", terminalSafe(resp.Notice))
	}
	if len(resp.Suggestions) == 0 {
		fmt.Println("No suggestions.")
		return
	}
	for i, sg := range resp.Suggestions {
		fmt.Printf("%d. %s\n", i+1, terminalSafe(sg.Content))
	}
}

type profileInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Started string `json:"started,omitempty"`
}

// cmdProfiles lists profile directories and dials each daemon socket.
func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var out []profileInfo
	for _, e := range entries {
		if !e.IsDir() || profile.ValidateName(e.Name()) != nil {
			continue
		}
		info := profileInfo{Name: e.Name(), Running: reachable(e.Name())}
		if info.Running {
			if h, err := lock.ReadHolder(profile.Dir(e.Name())); err == nil {
				info.PID = h.PID
				if !h.Started.IsZero() {
					info.Started = h.Started.Format(time.RFC3339)
				}
			}
		}
		out = append(out, info)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range out {
		state := "stopped"
		if p.Running {
			state = fmt.Sprintf("running (pid %d)", p.PID)
		}
		fmt.Printf("%-20s %s\n", p.Name, state)
	}
}

func reachable(name string) bool {
	if _, err := os.Stat(profile.SocketPath(name)); err != nil {
		return false
	}
	c, err := control.Dial(profile.SocketPath(name))
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Status(ctx)
	return err == nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
