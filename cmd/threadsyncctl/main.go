package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/threadsync/internal/api"
	"github.com/matheus3301/threadsync/internal/client"
	"github.com/matheus3301/threadsync/internal/session"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// Watch commands run until interrupted; everything else gets 10s.
	if args[0] == "watch" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, args[1:], *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp *structpb.Struct
	switch args[0] {
	case "status":
		resp, err = c.ConnectionStatus(ctx)
	case "reconnect":
		resp, err = c.ForceReconnect(ctx)
	case "thread":
		need(args, 2, "thread <id> [member...]")
		resp, err = c.CreateThread(ctx, args[1], args[2:])
	case "send":
		need(args, 3, "send <thread> <text...>")
		resp, err = c.SendMessage(ctx, args[1], strings.Join(args[2:], " "))
	case "pending":
		thread := ""
		if len(args) > 1 {
			thread = args[1]
		}
		resp, err = c.ListPending(ctx, thread)
	case "retry":
		need(args, 2, "retry <tempId>")
		resp, err = c.RetryMessage(ctx, args[1])
	case "discard":
		need(args, 2, "discard <tempId>")
		resp, err = c.DiscardMessage(ctx, args[1])
	case "read":
		need(args, 2, "read <thread>")
		resp, err = c.MarkRead(ctx, args[1])
	case "draft":
		need(args, 2, "draft <thread> [text...]")
		if len(args) == 2 {
			resp, err = c.LoadDraft(ctx, args[1])
		} else {
			resp, err = c.SaveDraft(ctx, args[1], strings.Join(args[2:], " "))
		}
	case "network":
		need(args, 2, "network <up|down|unknown>")
		resp, err = cmdNetwork(ctx, c, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *jsonFlag {
		outputJSON(resp)
		return
	}
	printStruct(args[0], resp)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: threadsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show connection status")
	fmt.Fprintln(os.Stderr, "  reconnect                  Force a channel reconnect")
	fmt.Fprintln(os.Stderr, "  network <up|down|unknown>  Drive a manual network monitor")
	fmt.Fprintln(os.Stderr, "  thread <id> [member...]    Create a thread")
	fmt.Fprintln(os.Stderr, "  send <thread> <text...>    Queue a message")
	fmt.Fprintln(os.Stderr, "  pending [thread]           List queued messages")
	fmt.Fprintln(os.Stderr, "  retry <tempId>             Retry a failed message")
	fmt.Fprintln(os.Stderr, "  discard <tempId>           Drop a failed message")
	fmt.Fprintln(os.Stderr, "  read <thread>              Mark a thread read")
	fmt.Fprintln(os.Stderr, "  draft <thread> [text...]   Show or save a draft")
	fmt.Fprintln(os.Stderr, "  watch threads              Stream threads with unread counts")
	fmt.Fprintln(os.Stderr, "  watch thread <id>          Stream a thread's messages")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: threadsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func cmdNetwork(ctx context.Context, c *client.Client, mode string) (*structpb.Struct, error) {
	yes, no := true, false
	switch mode {
	case "up":
		return c.SetNetwork(ctx, true, &yes)
	case "down":
		return c.SetNetwork(ctx, false, &no)
	case "unknown":
		return c.SetNetwork(ctx, true, nil)
	default:
		return nil, fmt.Errorf("unknown network mode %q", mode)
	}
}

func cmdWatch(ctx context.Context, c *client.Client, args []string, jsonOut bool) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: threadsyncctl watch <threads|thread <id>>")
		os.Exit(1)
	}
	var (
		stream string
		in     map[string]any
		render func(*structpb.Struct)
	)
	switch args[0] {
	case "threads":
		stream, render = api.StreamWatchThreads, printThreads
	case "thread":
		need(args, 2, "watch thread <id>")
		stream, render = api.StreamWatchThread, printEntries
		in = map[string]any{"threadId": args[1]}
	default:
		fmt.Fprintf(os.Stderr, "unknown watch target: %s\n", args[0])
		os.Exit(1)
	}
	err := c.Watch(ctx, stream, in, func(msg *structpb.Struct) error {
		if jsonOut {
			outputJSON(msg)
		} else {
			render(msg)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printStruct(cmd string, s *structpb.Struct) {
	f := s.GetFields()
	switch cmd {
	case "status":
		fmt.Printf("Session:   %s (%s)\n", f["session"].GetStringValue(), f["memberId"].GetStringValue())
		fmt.Printf("State:     %s\n", f["state"].GetStringValue())
		fmt.Printf("Channel:   %s\n", onOff(f["channelEnabled"].GetBoolValue()))
		fmt.Printf("Pending:   %d\n", int(f["pending"].GetNumberValue()))
		if _, ok := f["lastDisconnectAt"].GetKind().(*structpb.Value_NumberValue); ok {
			fmt.Printf("Last down: %s\n", msTime(f["lastDisconnectAt"]))
		}
	case "reconnect":
		if f["ok"].GetBoolValue() {
			fmt.Printf("Reconnected in %dms\n", int64(f["latencyMs"].GetNumberValue()))
		} else {
			fmt.Printf("Reconnect failed: %s\n", f["error"].GetStringValue())
		}
	case "pending":
		msgs := f["messages"].GetListValue().GetValues()
		if len(msgs) == 0 {
			fmt.Println("No pending messages.")
			return
		}
		for _, m := range msgs {
			printPending(m.GetStructValue())
		}
	case "send", "retry":
		printPending(s)
	case "read":
		if f["moved"].GetBoolValue() {
			fmt.Printf("Marked read at %s\n", msTime(f["at"]))
		} else {
			fmt.Println("Already read.")
		}
	case "draft":
		fmt.Println(f["text"].GetStringValue())
	default:
		outputJSON(s)
	}
}

func printPending(m *structpb.Struct) {
	f := m.GetFields()
	line := fmt.Sprintf("%-26s %-10s %-8s attempts=%d %q",
		f["tempId"].GetStringValue(),
		f["threadId"].GetStringValue(),
		f["status"].GetStringValue(),
		int(f["attempts"].GetNumberValue()),
		f["text"].GetStringValue())
	if e := f["lastError"].GetStringValue(); e != "" {
		line += " error=" + e
	}
	fmt.Println(line)
}

func printThreads(msg *structpb.Struct) {
	fmt.Println("---")
	for _, v := range msg.GetFields()["threads"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		preview := ""
		if lm := f["lastMessage"].GetStructValue(); lm != nil {
			preview = lm.GetFields()["text"].GetStringValue()
		}
		fmt.Printf("%-20s unread=%-4d %-12s %q\n",
			f["id"].GetStringValue(),
			int(f["unreadCount"].GetNumberValue()),
			f["state"].GetStringValue(),
			preview)
	}
}

func printEntries(msg *structpb.Struct) {
	fmt.Println("---")
	for _, v := range msg.GetFields()["entries"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		if c := f["committed"].GetStructValue(); c != nil {
			cf := c.GetFields()
			fmt.Printf("%s %-12s %s\n", msTime(cf["createdAt"]), cf["senderId"].GetStringValue(), cf["text"].GetStringValue())
			continue
		}
		pf := f["pending"].GetStructValue().GetFields()
		fmt.Printf("%-19s %-12s %s [%s]\n", "(pending)", pf["senderId"].GetStringValue(), pf["text"].GetStringValue(), pf["status"].GetStringValue())
	}
}

func msTime(v *structpb.Value) string {
	return time.UnixMilli(int64(v.GetNumberValue())).Format("2006-01-02 15:04:05")
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func outputJSON(s *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
