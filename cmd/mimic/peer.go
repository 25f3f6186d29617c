package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sagibrant/mimic/internal/config"
	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/commsutil"
	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/framehost"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/rtid"
	"github.com/sagibrant/mimic/pkg/wschan"
)

type contentArgs struct {
	Tab     int
	Frame   int
	Version string
}

func parseContentArgs(args []string) (*contentArgs, error) {
	flags := pflag.NewFlagSet("content", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	tab := flags.Int("tab", rtid.Unscoped, "tab id the frame belongs to")
	frame := flags.Int("frame", 0, "frame id; 0 is the top frame")
	version := flags.String("version", "", "version reported to the agent")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if *tab < 0 {
		return nil, errors.New("--tab is required")
	}
	if *frame < 0 {
		return nil, errors.New("--frame must not be negative")
	}
	return &contentArgs{Tab: *tab, Frame: *frame, Version: *version}, nil
}

// runContent hosts one frame and links it to the agent over NATS until
// interrupted or the agent goes away.
func runContent(args []string) error {
	a, err := parseContentArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nc, err := commsutil.ConnectWith(cfg.NATSURL, fmt.Sprintf("%s-content-%d-%d", cfg.ServiceName, a.Tab, a.Frame), nil)
	if err != nil {
		return err
	}
	defer nc.Close()

	h := framehost.New(framehost.Options{Tab: a.Tab, Frame: a.Frame, Version: a.Version, Timeout: cfg.RequestTimeout})
	defer h.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	welcome, err := h.Connect(ctx, nc, cfg.SubjectPrefix, cfg.ContentHelloSubject)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("Tab %d frame %d linked to %s (id %s).\n", a.Tab, a.Frame, welcome.Agent.Label(), welcome.ClientID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-h.Done():
		return errors.New("agent closed the link")
	}
	return nil
}

type watchArgs struct {
	Name string
	URL  string
}

func parseWatchArgs(args []string) (*watchArgs, error) {
	flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	name := flags.String("name", "", "peer name to register as")
	url := flags.String("url", "ws://127.0.0.1:8080/ws", "agent websocket endpoint")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if *name == "" {
		return nil, errors.New("--name is required")
	}
	return &watchArgs{Name: *name, URL: *url}, nil
}

// eventPrinter writes every record and notify event addressed to the peer
// as one JSON line.
type eventPrinter struct {
	id  rtid.Rtid
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) Rtid() rtid.Rtid { return p.id }

func (p *eventPrinter) Handle(_ context.Context, data *message.Data) (*dispatcher.Future, bool) {
	if data.Type != message.DataRecord && data.Action.Name != message.ActionNotify {
		return nil, false
	}
	line, err := json.Marshal(map[string]any{
		"type":   data.Type,
		"action": data.Action.Name,
		"params": data.Action.Params,
	})
	if err != nil {
		return dispatcher.Rejected(err), true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.out, string(line)); err != nil {
		return dispatcher.Rejected(err), true
	}
	return dispatcher.Resolved(nil), true
}

// runWatch connects to the agent's websocket endpoint as an external peer
// and prints the events it receives, reconnecting when the link drops.
func runWatch(args []string, out io.Writer) error {
	a, err := parseWatchArgs(args)
	if err != nil {
		return err
	}
	d := dispatcher.New(dispatcher.Options{Name: a.Name})
	defer d.Close()
	d.Register(&eventPrinter{id: rtid.ForExternal(a.Name), out: out})

	gaveUp := make(chan error, 1)
	client := wschan.NewClient(a.URL, wschan.Hello{Name: a.Name}, wschan.ClientOptions{
		Reconnect: channel.ReconnectOptions{MinDelay: time.Second, Deadline: time.Minute},
		OnConnect: func(ch *wschan.Channel) {
			d.SetPolicy(dispatcher.UplinkPolicy(ch))
			d.AddRoutingChannel(rtid.ContextBackground, ch.Peer(), ch)
			if err := ch.StartListening(); err != nil {
				ch.Disconnect(err.Error())
			}
		},
		OnGiveUp: func(err error) { gaveUp <- err },
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), wschan.DefaultHandshakeTimeout)
	_, err = client.Connect(ctx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Watching events for %s on %s.\n", a.Name, a.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		return nil
	case err := <-gaveUp:
		return err
	}
}
