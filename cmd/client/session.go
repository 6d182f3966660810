package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/proto"
)

var errQuit = errors.New("quit")

// conn is one request/response command connection.
type conn struct {
	net.Conn
	rd *bufio.Reader
}

func dial(ctx context.Context, addr string, c *Config) (*conn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &conn{Conn: nc, rd: bufio.NewReader(nc)}, nil
}

func (c *conn) call(req proto.Request) (proto.Response, error) {
	if err := writeJSONLine(c, req); err != nil {
		return proto.Response{}, err
	}
	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return proto.Response{}, err
	}
	var resp proto.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return proto.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// runSession registers, attaches the notification socket and relays stdin
// commands until in is exhausted, the user quits or either socket drops.
func runSession(ctx context.Context, c *Config, in io.Reader, out io.Writer) error {
	cmd, err := dial(ctx, c.ServerAddr, c)
	if err != nil {
		return err
	}
	defer cmd.Close()

	resp, err := cmd.call(proto.Request{Action: proto.ActionRegister, Nickname: c.Name})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if resp.Status != proto.StatusSuccess {
		return fmt.Errorf("register: %s: %s", resp.Code, resp.Message)
	}
	obs.Info("client.registered", obs.Fields{"name": c.Name, "token": resp.Token})

	addr := notifyAddr(c, resp.NotifyAddr)
	nc, err := dial(ctx, addr, c)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := writeJSONLine(nc, proto.NotifyHello{Token: resp.Token}); err != nil {
		return fmt.Errorf("notify hello: %w", err)
	}
	fmt.Fprintf(out, "registered as %s; commands: claim, return <card>, see, quit\n", c.Name)

	notifyDone := make(chan error, 1)
	go func() { notifyDone <- follow(nc.rd, out) }()

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

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-notifyDone:
			if err == nil || errors.Is(err, io.EOF) {
				return errors.New("notification connection closed by server")
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			req, err := parseInput(line, c.Name)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(out, err.Error())
				continue
			}
			if req == nil {
				continue
			}
			resp, err := cmd.call(*req)
			if err != nil {
				return fmt.Errorf("%s: %w", req.Action, err)
			}
			printResponse(out, resp)
		}
	}
}

// notifyAddr resolves the dedicated socket address. An unspecified host in the
// announced address is replaced with the command server's host.
func notifyAddr(c *Config, announced string) string {
	if c.NotifyAddr != "" {
		return c.NotifyAddr
	}
	host, port, err := net.SplitHostPort(announced)
	if err != nil {
		return announced
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if sh, _, err := net.SplitHostPort(c.ServerAddr); err == nil {
			host = sh
		}
	}
	return net.JoinHostPort(host, port)
}

// follow prints publishes from the notification socket until it closes.
func follow(rd *bufio.Reader, out io.Writer) error {
	for {
		line, err := rd.ReadBytes('\n')
		if err != nil {
			return err
		}
		var keepalive string
		if json.Unmarshal(line, &keepalive) == nil {
			obs.Debug("client.keepalive", obs.Fields{"msg": keepalive})
			continue
		}
		var pub proto.Publish
		if err := json.Unmarshal(line, &pub); err != nil {
			obs.Error("client.notify.json", obs.Fields{"err": err.Error()})
			continue
		}
		if pub.Status == proto.StatusError {
			var resp proto.Response
			_ = json.Unmarshal(line, &resp)
			return fmt.Errorf("notify: %s: %s", resp.Code, resp.Message)
		}
		fmt.Fprintf(out, "* %s %s by %s | available %d | next: %s\n",
			pub.LatestUpdate.Action, pub.LatestUpdate.CardID, pub.LatestUpdate.Nickname,
			pub.CardDeck, strings.Join(pub.TopQueue, ", "))
	}
}

// parseInput turns one terminal line into a request. A blank line yields nil.
func parseInput(line, name string) (*proto.Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	switch strings.ToLower(fields[0]) {
	case "claim", "c":
		return &proto.Request{Action: proto.ActionClaim, Nickname: name}, nil
	case "return", "r":
		if len(fields) != 2 {
			return nil, errors.New("usage: return <card>")
		}
		return &proto.Request{Action: proto.ActionReturn, Nickname: name, CardID: fields[1]}, nil
	case "see", "s", "see_all":
		return &proto.Request{Action: proto.ActionSeeAll}, nil
	case "quit", "q", "exit":
		return nil, errQuit
	}
	return nil, fmt.Errorf("unknown command %q", fields[0])
}

func printResponse(out io.Writer, resp proto.Response) {
	switch {
	case resp.Status != proto.StatusSuccess:
		fmt.Fprintf(out, "error (%s): %s\n", resp.Code, resp.Message)
	case resp.QueueCard != "":
		fmt.Fprintf(out, "you hold %s\n", resp.QueueCard)
	case resp.AllRegisterList != nil || resp.AllQueueList != nil:
		var names, queue []string
		if resp.AllRegisterList != nil {
			for n := range *resp.AllRegisterList {
				names = append(names, n)
			}
			sort.Strings(names)
		}
		if resp.AllQueueList != nil {
			queue = *resp.AllQueueList
		}
		fmt.Fprintf(out, "registered: %s\n", listOrNone(names))
		fmt.Fprintf(out, "queue: %s\n", listOrNone(queue))
	default:
		fmt.Fprintln(out, resp.Message)
	}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

// seeAll prints the registry and queue without registering.
func seeAll(ctx context.Context, c *Config, out io.Writer) error {
	cmd, err := dial(ctx, c.ServerAddr, c)
	if err != nil {
		return err
	}
	defer cmd.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = cmd.SetDeadline(dl)
	}
	resp, err := cmd.call(proto.Request{Action: proto.ActionSeeAll})
	if err != nil {
		return fmt.Errorf("see_all: %w", err)
	}
	if resp.Status != proto.StatusSuccess {
		return fmt.Errorf("see_all: %s: %s", resp.Code, resp.Message)
	}
	printResponse(out, resp)
	return nil
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
