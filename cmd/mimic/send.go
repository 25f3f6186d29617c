package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/sagibrant/mimic/internal/config"
	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/commsutil"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/natschan"
	"github.com/sagibrant/mimic/pkg/rtid"
)

// sendRequest is a parsed send command line.
type sendRequest struct {
	Data    message.Data
	Timeout time.Duration
}

func parseSendArgs(args []string) (*sendRequest, error) {
	flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	tab := flags.Int("tab", rtid.Unscoped, "tab id; targets the tab's automation object")
	frame := flags.Int("frame", rtid.Unscoped, "frame id within --tab; targets the frame's content script")
	peer := flags.String("peer", "", "external peer name; the agent forwards the request to it")
	timeout := flags.Duration("timeout", 5*time.Second, "how long to wait for the reply")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	rest := flags.Args()
	if len(rest) < 2 || len(rest) > 3 {
		return nil, errors.New("want <type> <action> [json-params]")
	}

	var dest rtid.Rtid
	switch {
	case *peer != "":
		dest = rtid.ForExternal(*peer)
	case *frame != rtid.Unscoped:
		if *tab == rtid.Unscoped {
			return nil, errors.New("--frame needs --tab")
		}
		dest = rtid.ForFrame(*tab, *frame)
	case *tab != rtid.Unscoped:
		dest = rtid.ForTab(*tab)
	default:
		dest = rtid.Agent()
	}

	data := message.Data{
		Type:   message.DataType(rest[0]),
		Dest:   &dest,
		Action: message.Action{Name: message.ActionName(rest[1])},
	}
	if len(rest) == 3 {
		if err := json.Unmarshal([]byte(rest[2]), &data.Action.Params); err != nil {
			return nil, fmt.Errorf("params must be a JSON object: %w", err)
		}
	}
	if err := message.ValidateData(&data); err != nil {
		return nil, err
	}
	return &sendRequest{Data: data, Timeout: *timeout}, nil
}

func runSend(args []string, out io.Writer) error {
	req, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target := cfg.AgentSubject
	if target == "" {
		target = commsutil.SubjectAgent
	}

	nc, err := commsutil.ConnectWith(cfg.NATSURL, cfg.ServiceName+"-cli", &commsutil.ConnectOpts{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer nc.Close()

	ch := natschan.NewRequestChannel(nc, natschan.RequestOptions{
		Prefix: cfg.SubjectPrefix,
		Target: target,
		Self:   channel.NewExternalClient(cfg.ServiceName+"-cli", ""),
	})
	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()
	resp, err := ch.SendRequest(ctx, message.NewRequest(req.Data, message.NewUID()))
	if err != nil {
		return err
	}
	return printReply(out, &resp.Data)
}

func printReply(out io.Writer, data *message.Data) error {
	if data.Status == message.StatusError {
		return fmt.Errorf("agent error: %s", data.Error)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(data.Result)
}
