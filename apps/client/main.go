package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mahaj/sitechat/pkg/client"
	"github.com/mahaj/sitechat/pkg/logger"
	"github.com/mahaj/sitechat/pkg/model"
)

const usage = `commands:
  /older                 load older messages
  /reply <id>            quote a message in the next send
  /react <id> <emoji>    toggle a reaction
  /edit <id> <text>      edit your message
  /delete <id>           delete your message
  /attach <path>         stage a file for the next send
  /search <text>         search this conversation
  /read                  mark the conversation read
  /quit`

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	gatewayAddr := flag.String("gateway", "http://localhost:8080", "gateway service address")
	userID := flag.String("user", "user1", "user id")
	channelID := flag.String("channel", "", "channel id")
	dmUser := flag.String("dm", "", "user id to dm (overrides -channel)")
	flag.Parse()

	logger.Init("dev", "info")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *apiAddr, *gatewayAddr, *userID, *channelID, *dmUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("client")
	}
}

func run(ctx context.Context, apiAddr, gatewayAddr, userID, channelID, dmUser string) error {
	token, err := client.Login(ctx, apiAddr, userID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	api := client.NewAPI(apiAddr, token)

	if dmUser != "" {
		ch, err := api.OpenDirect(ctx, dmUser)
		if err != nil {
			return fmt.Errorf("open dm: %w", err)
		}
		channelID = ch.ID
	}
	if channelID == "" {
		return listChannels(ctx, api)
	}

	push, err := client.DialPush(ctx, gatewayAddr, token)
	if err != nil {
		return err
	}
	defer push.Close()

	ctl := client.NewController(api, push, client.Options{UserID: userID})
	if err := ctl.Open(ctx, channelID); err != nil {
		return fmt.Errorf("open %s: %w", channelID, err)
	}
	printHistory(ctl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return push.Run(gctx, func(ev model.Event) {
			ctl.HandleEvent(ev)
			show(ctl, ev)
		})
	})
	g.Go(func() error {
		defer push.Close()
		return (&session{api: api, ctl: ctl}).prompt(gctx, os.Stdin)
	})
	return g.Wait()
}

func listChannels(ctx context.Context, api *client.API) error {
	channels, err := api.ListChannels(ctx)
	if err != nil {
		return err
	}
	for _, c := range channels {
		fmt.Printf("%-40s %-6s unread=%d\n", c.ID, c.Type, c.UnreadCount)
	}
	return nil
}

func printHistory(ctl *client.Controller) {
	for _, e := range ctl.Entries() {
		printEntry(ctl, e)
	}
	fmt.Print("> ")
}

func printEntry(ctl *client.Controller, e client.Entry) {
	text := e.Text
	switch {
	case e.Deleted():
		text = "(deleted)"
	case e.Type == model.MessageVoice:
		text = "(voice message)"
	}
	for _, a := range e.Attachments {
		text += fmt.Sprintf(" [%s %s]", a.FileName, a.FileURL)
	}
	mark := ""
	switch {
	case e.Status == client.StatusFailed:
		mark = " !"
	case e.Status == client.StatusSending:
		mark = " ..."
	case ctl.IsRead(e.Message):
		mark = " ✓✓"
	}
	fmt.Printf("\r[%d] %s: %s%s\n", e.ID, e.SenderID, text, mark)
}

func show(ctl *client.Controller, ev model.Event) {
	switch ev.Type {
	case model.EventMessage:
		if ev.ChannelID != ctl.ChannelID() {
			fmt.Printf("\r(%d unread in %s)\n> ", ctl.Unread(ev.ChannelID), ev.ChannelID)
			return
		}
		var m model.Message
		if err := ev.Decode(&m); err != nil {
			return
		}
		printEntry(ctl, client.Entry{Message: m, Status: client.StatusSent})
		fmt.Print("> ")
	case model.EventTyping:
		if typing := ctl.TypingUsers(); len(typing) > 0 {
			fmt.Printf("\r%s typing...\n> ", strings.Join(typing, ", "))
		}
	case model.EventPresence:
		var p model.PresencePayload
		if err := ev.Decode(&p); err == nil {
			state := "offline"
			if p.Online {
				state = "online"
			}
			fmt.Printf("\r%s is %s\n> ", p.UserID, state)
		}
	}
}

type session struct {
	api *client.API
	ctl *client.Controller
}

func (s *session) prompt(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" {
			return context.Canceled
		}
		if err := s.command(ctx, line); err != nil {
			fmt.Printf("\rerror: %v\n", err)
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

func (s *session) command(ctx context.Context, line string) error {
	ctl := s.ctl
	if !strings.HasPrefix(line, "/") {
		ctl.KeyPress()
		_, err := ctl.Send(ctx, line)
		return err
	}

	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "/older":
		before := len(ctl.Entries())
		if err := ctl.LoadOlder(ctx); err != nil {
			return err
		}
		entries := ctl.Entries()
		for _, e := range entries[:len(entries)-before] {
			printEntry(ctl, e)
		}
		return nil
	case "/reply":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return err
		}
		return ctl.SetReply(id)
	case "/react":
		idText, emoji, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return err
		}
		return ctl.React(ctx, id, emoji)
	case "/edit":
		idText, text, _ := strings.Cut(rest, " ")
		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return err
		}
		return ctl.Edit(ctx, id, text)
	case "/delete":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return err
		}
		return ctl.Delete(ctx, id)
	case "/attach":
		data, err := os.ReadFile(rest)
		if err != nil {
			return err
		}
		name := filepath.Base(rest)
		_, err = ctl.StageFiles(client.LocalFile{Name: name, MimeType: mime.TypeByExtension(filepath.Ext(name)), Data: data})
		return err
	case "/search":
		found, err := s.api.Search(ctx, ctl.ChannelID(), rest)
		if err != nil {
			return err
		}
		for _, m := range found {
			printEntry(ctl, client.Entry{Message: m, Status: client.StatusSent})
		}
		return nil
	case "/read":
		return ctl.MarkRead(ctx)
	case "/help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %s", name)
	}
}
