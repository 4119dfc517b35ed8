package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peerlink/peerlink/internal/config"
	"github.com/peerlink/peerlink/internal/diag"
	"github.com/peerlink/peerlink/internal/domain"
	"github.com/peerlink/peerlink/internal/match"
	"github.com/peerlink/peerlink/internal/media"
	"github.com/peerlink/peerlink/internal/rtc"
	"github.com/peerlink/peerlink/internal/session"
	sig "github.com/peerlink/peerlink/internal/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	tokens := session.NewTokenSource(cfg.APIURL, cfg.Locale)
	mailbox := sig.NewMailbox()
	binder := media.NewBinder()

	remoteSink := &media.LogSink{Name: "remote"}
	localSink := &media.LogSink{Name: "local"}
	binder.AttachSink(remoteSink)

	var engine *rtc.Engine

	machine := match.New(ctx, cfg.MatchURL, tokens, domain.Region(cfg.DefaultRegion), mailbox, match.Callbacks{
		OnRoom: func(room *domain.Room) {
			if room != nil {
				engine.Activate(*room)
			} else {
				engine.Cleanup(false)
			}
		},
		OnNotice: func(n match.Notice) {
			fmt.Printf("* %s\n", n.Text)
		},
		OnChat: func(text string) {
			fmt.Printf("peer: %s\n", text)
		},
	})

	engine = rtc.NewEngine(ctx, cfg.WebRTC(), media.SyntheticSource{}, localSink, binder, mailbox, machine, cfg.NegotiationTimeout)

	if cfg.DiagAddr != "" {
		router := diag.SetupRouter(cfg.Mode, machine, engine)
		go diag.Serve(ctx, cfg.DiagAddr, router)
	}

	go runCommands(ctx, cancel, machine, engine)

	<-ctx.Done()
	engine.Cleanup(true)
	log.Info().Msg("exited")
}

func runCommands(ctx context.Context, cancel context.CancelFunc, machine *match.Machine, engine *rtc.Engine) {
	fmt.Println("commands: find | find <REGION> | region <REGION> | cancel | chat <text> | reconnect | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "find":
			if rest == "" {
				machine.FindRandom()
			} else {
				machine.FindRegion(domain.Region(strings.ToUpper(rest)))
			}
		case "region":
			machine.SwitchRegion(domain.Region(strings.ToUpper(rest)))
		case "cancel":
			machine.Cancel()
		case "chat":
			machine.SendChat(rest)
		case "reconnect":
			engine.Reconnect()
		case "quit":
			cancel()
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}
