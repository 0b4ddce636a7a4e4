package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/famcall/internal/call"
	"github.com/1ureka/famcall/internal/config"
	"github.com/1ureka/famcall/internal/signaling"
)

const help = `Commands:
  call <user> [video]   place a call
  accept | a            answer the ringing call
  decline | d           reject the ringing call
  hangup | h            end the current call
  status | s            show the current call
  quit | q              exit`

// console is the command prompt and the controller's Observer.
type console struct {
	cfg  *config.Config
	ctrl *call.Controller

	// ringing holds the id of the inbound call awaiting an answer.
	ringing chan string
}

var _ call.Observer = (*console)(nil)

func newConsole(cfg *config.Config) *console {
	return &console{cfg: cfg, ringing: make(chan string, 1)}
}

// PhaseChanged implements call.Observer.
func (c *console) PhaseChanged(s call.Snapshot) {
	switch s.Phase {
	case call.PhaseRingingOutbound:
		pterm.Info.Printfln("Ringing %s…", s.Remote)
	case call.PhaseConnected:
		pterm.Success.Printfln("Connected with %s (%s call)", name(s), s.Kind)
	case call.PhaseEnded:
		pterm.Info.Printfln("Call with %s ended", name(s))
	default:
		pterm.Debug.Printfln("call %s: %s", s.CallID, s.Phase)
	}
}

// Notice implements call.Observer.
func (c *console) Notice(n call.Notice) {
	switch n.Kind {
	case call.NoticeIncoming:
		pterm.DefaultBox.WithTitle("Incoming call").Println(
			fmt.Sprintf("%s is calling.\nType 'a' to accept or 'd' to decline.", n.Remote))
		select {
		case <-c.ringing:
		default:
		}
		c.ringing <- n.CallID
	case call.NoticeMediaDenied:
		pterm.Error.Printfln("Microphone or camera unavailable: %v", n.Err)
	case call.NoticeCallFailed:
		pterm.Error.Printfln("Call failed: %v", n.Err)
	case call.NoticeDeclined:
		pterm.Warning.Printfln("%s declined the call", n.Remote)
	case call.NoticeNoAnswer:
		pterm.Warning.Printfln("%s did not answer", n.Remote)
	case call.NoticeMissed:
		pterm.Warning.Printfln("Missed call from %s", n.Remote)
	case call.NoticeRemoteHangup:
		pterm.Info.Printfln("%s hung up", n.Remote)
	}
}

func name(s call.Snapshot) string {
	if s.RemoteName != "" {
		return s.RemoteName
	}
	return s.Remote
}

// run reads commands until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	pterm.Println(help)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.exec(strings.Fields(line)) {
				return
			}
		}
	}
}

// exec runs one command and reports whether the prompt should continue.
func (c *console) exec(args []string) bool {
	if len(args) == 0 {
		return true
	}

	switch strings.ToLower(args[0]) {
	case "call", "c":
		if len(args) < 2 {
			pterm.Warning.Println("usage: call <user> [video]")
			return true
		}
		video := c.cfg.Video || (len(args) > 2 && args[2] == "video")
		c.place(args[1], callKind(video))

	case "accept", "a":
		c.answer(true)

	case "decline", "d":
		c.answer(false)

	case "hangup", "h":
		report(c.ctrl.Hangup())

	case "status", "s":
		s, ok := c.ctrl.Snapshot()
		if !ok {
			pterm.Info.Println("No call")
			return true
		}
		pterm.Info.Printfln("%s call with %s (%s): %s", s.Kind, name(s), s.Role, s.Phase)

	case "quit", "q", "exit":
		return false

	default:
		pterm.Println(help)
	}
	return true
}

func (c *console) place(remote string, kind signaling.CallKind) {
	if _, err := c.ctrl.Start(remote, kind); err != nil {
		report(err)
	}
}

func (c *console) answer(accept bool) {
	var id string
	select {
	case id = <-c.ringing:
	default:
		pterm.Warning.Println("No incoming call")
		return
	}
	if accept {
		report(c.ctrl.Accept(id))
	} else {
		report(c.ctrl.Decline(id))
	}
}

func report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, call.ErrBusy):
		pterm.Warning.Println("Already in a call")
	case errors.Is(err, call.ErrNoCall):
		pterm.Warning.Println("No matching call")
	case errors.Is(err, call.ErrBadPeer):
		pterm.Warning.Println("Cannot call that user")
	default:
		pterm.Error.Println(err.Error())
	}
}
