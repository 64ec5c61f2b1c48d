package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/device"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	deviceFlag := flag.String("device", "", "device name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// config init works without a running daemon.
	if args[0] == "config" {
		cmdConfig(args[1:])
		return
	}

	name := device.Resolve(*deviceFlag)
	if err := device.ValidateName(name); err != nil {
		fail(err)
	}

	c, err := client.New(device.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for device %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := run(ctx, c, args)
	if err != nil {
		fail(err)
	}
	if args[0] == "status" && !*jsonFlag {
		printStatus(resp)
		return
	}
	output(resp)
}

func run(ctx context.Context, c *client.Client, args []string) (*structpb.Struct, error) {
	need := func(n int, usage string) {
		if len(args) < n+1 {
			fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
			os.Exit(1)
		}
	}

	switch args[0] {
	case "status":
		return c.GetStatus(ctx)
	case "chats":
		return c.ListChats(ctx)
	case "create":
		need(3, "create <chat-id> <direct|group> <name> [user[:role]...]")
		var parts []client.Participant
		for _, a := range args[4:] {
			user, role, _ := strings.Cut(a, ":")
			parts = append(parts, client.Participant{UserID: user, Role: role})
		}
		return c.CreateChat(ctx, args[1], args[2], args[3], parts)
	case "send":
		need(2, "send <chat-id> <text...>")
		return c.Send(ctx, args[1], strings.Join(args[2:], " "))
	case "open":
		need(1, "open <chat-id>")
		return c.OpenChat(ctx, args[1])
	case "more":
		need(1, "more <chat-id>")
		return c.LoadMore(ctx, args[1])
	case "close":
		need(1, "close <chat-id>")
		return &structpb.Struct{}, c.CloseChat(ctx, args[1])
	case "role":
		need(3, "role <chat-id> <user-id> <admin|moderator|participant>")
		return c.UpdateParticipantRole(ctx, args[1], args[2], args[3])
	case "online":
		return c.SetConnectivity(ctx, true)
	case "offline":
		return c.SetConnectivity(ctx, false)
	case "ingest":
		need(3, "ingest <chat-id> <author-id> <text...>")
		return c.IngestHistory(ctx, args[1], []client.HistoryMessage{{
			ID:              uuid.NewString(),
			AuthorID:        args[2],
			Text:            strings.Join(args[3:], " "),
			CreatedAtUnixMs: time.Now().UnixMilli(),
		}})
	case "read":
		need(1, "read <chat-id>")
		return c.MarkRead(ctx, args[1])
	}
	printUsage()
	os.Exit(1)
	return nil, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--device <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon status")
	fmt.Fprintln(os.Stderr, "  chats                               List conversations")
	fmt.Fprintln(os.Stderr, "  create <id> <kind> <name> [u[:r]]   Create a conversation")
	fmt.Fprintln(os.Stderr, "  send <chat> <text...>               Send a message")
	fmt.Fprintln(os.Stderr, "  open <chat>                         Open a chat and show its window")
	fmt.Fprintln(os.Stderr, "  more <chat>                         Load older messages")
	fmt.Fprintln(os.Stderr, "  close <chat>                        Close a chat")
	fmt.Fprintln(os.Stderr, "  role <chat> <user> <role>           Change a participant role")
	fmt.Fprintln(os.Stderr, "  online | offline                    Force connectivity")
	fmt.Fprintln(os.Stderr, "  ingest <chat> <author> <text...>    Ingest a message from elsewhere")
	fmt.Fprintln(os.Stderr, "  read <chat>                         Mark a chat read")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                      Stream events")
	fmt.Fprintln(os.Stderr, "  config init                         Write the default config file")
}

func printStatus(s *structpb.Struct) {
	f := s.GetFields()
	fmt.Printf("Device:        %s\n", f["device"].GetStringValue())
	fmt.Printf("User:          %s\n", f["user_id"].GetStringValue())
	fmt.Printf("Connectivity:  %s\n", f["connectivity"].GetStringValue())
	fmt.Printf("Uptime:        %s\n", (time.Duration(f["uptime_ms"].GetNumberValue()) * time.Millisecond).Round(time.Second))
	fmt.Printf("Conversations: %d\n", int(f["conversations"].GetNumberValue()))
	fmt.Printf("Messages:      %d\n", int(f["messages"].GetNumberValue()))
	fmt.Printf("Pending:       %d\n", int(f["pending"].GetNumberValue()))
	fmt.Printf("Queued:        %d\n", int(f["queued"].GetNumberValue()))
}

func cmdWatch(c *client.Client, prefix string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.WatchEvents(ctx, prefix, func(evt *structpb.Struct) error {
		b, err := protojson.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fail(err)
	}
}

func cmdConfig(args []string) {
	if len(args) == 0 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "usage: chatsyncctl config init")
		os.Exit(1)
	}
	path := device.ConfigPath()
	if _, err := os.Stat(path); err == nil {
		fail(fmt.Errorf("%s already exists", path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		fail(err)
	}
	if err := config.Save(path, config.Default()); err != nil {
		fail(err)
	}
	fmt.Println(path)
}

func output(s *structpb.Struct) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
