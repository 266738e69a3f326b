// Package app wires config, signaling transport, storage and the call
// controller together for the CLI commands.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/voxlink/internal/call"
	"github.com/petervdpas/voxlink/internal/config"
	"github.com/petervdpas/voxlink/internal/media"
	"github.com/petervdpas/voxlink/internal/proto"
	"github.com/petervdpas/voxlink/internal/relay"
	"github.com/petervdpas/voxlink/internal/signal"
	"github.com/petervdpas/voxlink/internal/storage"
	"github.com/petervdpas/voxlink/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// runtime holds what a joined session owns. Leaving tears all of it down.
type runtime struct {
	ctrl *call.Controller
	sig  signal.Signaler
}

func (r *runtime) close() {
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	if r.sig != nil {
		r.sig.Close()
	}
}

// Run starts a voice peer: call history storage, config hot reload and an
// interactive command loop on stdin. It returns when ctx is canceled or the
// user quits.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	hist, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DataDir))
	if err != nil {
		return fmt.Errorf("open call history: %w", err)
	}
	defer hist.Close()

	// Hot reload: a config edit takes effect on the next join, never on a
	// session in flight.
	cfgCh := make(chan config.Config, 1)
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		select {
		case cfgCh <- next:
		default:
		}
		log.Printf("APP [%s]: config reloaded, applies to the next join", opt.CfgPath)
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	var cur *runtime
	defer func() {
		if cur != nil {
			cur.close()
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("Type 'help' for commands.")
	prompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case next := <-cfgCh:
			cfg = next
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, &cur, cfg, opt, hist, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return nil
			}
			prompt()
		}
	}
}

func prompt() { fmt.Print("> ") }

func dispatch(ctx context.Context, cur **runtime, cfg config.Config, opt Options, hist *storage.CallLog, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "help":
		printHelp()

	case "join":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: join <game-id> <remote-id>")
		}
		if *cur != nil {
			return false, fmt.Errorf("already joined, 'leave' first")
		}
		rt, err := join(ctx, cfg, opt, hist, fields[1], fields[2])
		if err != nil {
			return false, err
		}
		*cur = rt
		fmt.Println("joined, incoming calls will be answered; 'start' to call")

	case "leave":
		if *cur == nil {
			return false, nil
		}
		(*cur).close()
		*cur = nil
		fmt.Println("left")

	case "start":
		if *cur == nil {
			return false, fmt.Errorf("join a session first")
		}
		(*cur).ctrl.StartCall()

	case "end":
		if *cur == nil {
			return false, nil
		}
		(*cur).ctrl.EndCall()

	case "retry":
		if *cur == nil {
			return false, fmt.Errorf("join a session first")
		}
		(*cur).ctrl.RetryConnection()

	case "mute":
		if *cur == nil {
			return false, fmt.Errorf("join a session first")
		}
		fmt.Println("muted:", (*cur).ctrl.ToggleMute())

	case "deafen":
		if *cur == nil {
			return false, fmt.Errorf("join a session first")
		}
		fmt.Println("deafened:", (*cur).ctrl.ToggleDeafen())

	case "status":
		if *cur == nil {
			fmt.Println("not joined")
			return false, nil
		}
		printStatus((*cur).ctrl.Snapshot())

	case "trace":
		if *cur == nil {
			return false, fmt.Errorf("join a session first")
		}
		for _, e := range (*cur).ctrl.Trace() {
			fmt.Printf("  %s %-5s %-13s %s\n",
				time.UnixMilli(e.TS).Format("15:04:05.000"), e.Dir, e.Type, e.Detail)
		}

	case "history":
		n := 20
		if len(fields) > 1 {
			if v, err := strconv.Atoi(fields[1]); err == nil {
				n = v
			}
		}
		recs, err := hist.Recent(n)
		if err != nil {
			return false, err
		}
		for _, r := range recs {
			printRecord(r)
		}

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q, try 'help'", fields[0])
	}
	return false, nil
}

// join builds the signaling transport for one session topic and a controller
// on top of it.
func join(ctx context.Context, cfg config.Config, opt Options, hist *storage.CallLog, gameID, remoteID string) (*runtime, error) {
	remoteID, err := util.ValidateParticipantID(remoteID)
	if err != nil {
		return nil, err
	}
	selfID := cfg.Identity.ParticipantID
	if remoteID == selfID {
		return nil, fmt.Errorf("remote id equals own id")
	}

	topic := proto.TopicForGame(gameID)
	sig, err := makeSignaler(ctx, cfg, opt.PeerDir, topic, selfID)
	if err != nil {
		return nil, err
	}

	ctrl, err := call.New(call.Options{
		GameID:   gameID,
		LocalID:  selfID,
		RemoteID: remoteID,
		Signaler: sig,
		Media: media.Options{
			SampleRate:   cfg.Audio.SampleRate,
			ChannelCount: cfg.Audio.ChannelCount,
			STUNServers:  cfg.Call.STUNServers,
		},
		GraceDelay:    time.Duration(cfg.Call.GraceDelayMs) * time.Millisecond,
		MeterInterval: time.Duration(cfg.Call.MeterIntervalMs) * time.Millisecond,
		AllowRecvOnly: cfg.Call.AllowRecvOnly,
		TraceSize:     cfg.Call.TraceSize,
		History:       hist,
	})
	if err != nil {
		sig.Close()
		return nil, err
	}

	ctrl.OnStateChange(func(s call.Snapshot) {
		if s.ConnectionError != "" {
			log.Printf("APP [%s]: %s (%s)", topic, s.Phase, s.ConnectionError)
			return
		}
		log.Printf("APP [%s]: %s", topic, s.Phase)
	})

	return &runtime{ctrl: ctrl, sig: sig}, nil
}

func makeSignaler(ctx context.Context, cfg config.Config, peerDir, topic, selfID string) (signal.Signaler, error) {
	switch cfg.Signaling.Transport {
	case "relay":
		return signal.DialRelay(cfg.Signaling.RelayURL, topic, selfID)
	default:
		node, err := signal.NewPubSubNode(ctx, topic, selfID, signal.PubSubOptions{
			ListenPort:  cfg.Signaling.ListenPort,
			KeyFile:     util.ResolvePath(peerDir, cfg.Identity.KeyFile),
			MdnsTag:     cfg.Signaling.MdnsTag,
			StaticPeers: cfg.Signaling.StaticPeers,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("APP [%s]: libp2p host %s", topic, node.HostID())
		for _, a := range node.Addrs() {
			log.Printf("APP [%s]:   %s", topic, a)
		}
		return node, nil
	}
}

// RunRelay starts the websocket signaling relay and blocks until ctx ends.
func RunRelay(ctx context.Context, opt Options) error {
	srv := relay.New(opt.Cfg.Signaling.RelayBind)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Printf("RELAY: listening on %s", srv.Addr())
	<-ctx.Done()
	return nil
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  join <game-id> <remote-id>  join a session topic, auto-answer incoming calls")
	fmt.Println("  start                       place the call")
	fmt.Println("  end                         hang up")
	fmt.Println("  retry                       retry after a failed connection")
	fmt.Println("  mute                        toggle outgoing audio")
	fmt.Println("  deafen                      toggle incoming audio playback")
	fmt.Println("  status                      show connection state and meters")
	fmt.Println("  trace                       show recent signaling messages")
	fmt.Println("  history [n]                 show recent call records")
	fmt.Println("  leave                       leave the session topic")
	fmt.Println("  quit                        exit")
}

func printStatus(s call.Snapshot) {
	fmt.Printf("  phase:    %s\n", s.Phase)
	if s.ConnectionError != "" {
		fmt.Printf("  error:    %s\n", s.ConnectionError)
	}
	if s.Degraded {
		fmt.Println("  link:     degraded, waiting for recovery")
	}
	fmt.Printf("  muted:    %v   deafened: %v\n", s.IsMuted, s.IsDeafened)
	fmt.Printf("  levels:   local %.2f   remote %.2f\n", s.LocalLevel, s.RemoteLevel)
	if s.IsConnected {
		fmt.Printf("  quality:  loss %.1f%%   jitter %.1fms\n", s.LossFraction*100, s.JitterMs)
	}
}

func printRecord(r storage.CallRecord) {
	dur := ""
	if r.EndedAt > r.StartedAt {
		dur = fmt.Sprintf(" (%s)", time.Duration(r.EndedAt-r.StartedAt)*time.Millisecond)
	}
	outcome := r.Outcome
	if outcome == "" {
		outcome = "in progress"
	}
	fmt.Printf("  %s  %-9s %s <-> %s  %s%s\n",
		time.UnixMilli(r.StartedAt).Format("2006-01-02 15:04"),
		outcome, r.LocalID, r.RemoteID, r.GameID, dur)
	if r.Error != "" {
		fmt.Printf("             %s\n", r.Error)
	}
}
