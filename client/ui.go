package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jroimartin/gocui"
	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
)

// UI is the terminal front end for one conversation.
type UI struct {
	ctx    context.Context
	app    *ChatApp
	Gui    *gocui.Gui
	logger *logrus.Logger

	mu        sync.Mutex
	peer      common.IdentityID
	messages  []string
	status    string
	connState ConnState
}

// NewUI initializes the gocui screen. With peer zero the user is prompted
// for a recipient ID first.
func NewUI(ctx context.Context, app *ChatApp, peer common.IdentityID, logger *logrus.Logger) (*UI, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gocui: %w", err)
	}
	ui := &UI{ctx: ctx, app: app, Gui: g, logger: logger, peer: peer, status: StateConnecting.String(), connState: StateConnecting}
	g.SetManagerFunc(ui.layout)

	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, ui.quit); err != nil {
		return nil, err
	}
	if err := g.SetKeybinding("prompt", gocui.KeyEnter, gocui.ModNone, ui.promptHandler); err != nil {
		return nil, err
	}
	if err := g.SetKeybinding("input", gocui.KeyEnter, gocui.ModNone, ui.sendMessageHandler); err != nil {
		return nil, err
	}
	return ui, nil
}

// Run consumes app events and blocks in the gocui main loop.
func (ui *UI) Run() error {
	defer ui.Gui.Close()
	go ui.consumeEvents()
	if peer := ui.currentPeer(); peer != 0 {
		go ui.startChat(peer)
	}
	if err := ui.Gui.MainLoop(); err != nil && !errors.Is(err, gocui.ErrQuit) {
		return err
	}
	return nil
}

func (ui *UI) currentPeer() common.IdentityID {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	return ui.peer
}

func (ui *UI) appendLine(line string) {
	ui.mu.Lock()
	ui.messages = append(ui.messages, line)
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *UI) setStatus(status string) {
	ui.mu.Lock()
	ui.status = status
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *UI) setConnState(state ConnState) {
	ui.mu.Lock()
	ui.connState = state
	ui.status = state.String()
	ui.mu.Unlock()
	ui.refresh()
}

func (ui *UI) refresh() {
	if ui.Gui == nil {
		return
	}
	ui.Gui.Update(func(g *gocui.Gui) error {
		if err := ui.UpdateMessages(g); err != nil && !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		return nil
	})
}

func formatLine(self common.IdentityID, m ChatMessage) string {
	who := fmt.Sprintf("%d", m.From)
	if m.From == self {
		who = "You"
	}
	return fmt.Sprintf("%s [%s] %s", m.SentAt.Local().Format("15:04"), who, m.Text())
}

// startChat loads the stored conversation and kicks off the key exchange.
func (ui *UI) startChat(peer common.IdentityID) {
	if err := ui.app.OpenChat(ui.ctx, peer); err != nil {
		ui.appendLine(fmt.Sprintf("[error] %v", err))
		return
	}
	history, err := ui.app.History(ui.ctx, peer)
	if err != nil {
		ui.logger.Errorf("Error loading history with %d: %v", peer, err)
		ui.appendLine(fmt.Sprintf("[error] history unavailable: %v", err))
		return
	}
	for _, m := range history {
		ui.appendLine(formatLine(ui.app.ID(), m))
	}
}

func (ui *UI) consumeEvents() {
	for {
		select {
		case <-ui.ctx.Done():
			return
		case ev := <-ui.app.Events():
			ui.handleEvent(ev)
		}
	}
}

func (ui *UI) handleEvent(ev Event) {
	peer := ui.currentPeer()
	switch ev.Kind {
	case EventConnection:
		ui.setConnState(ev.State)
	case EventAuthenticated:
		ui.setConnState(StateOpen)
	case EventAuthFailed:
		ui.appendLine(fmt.Sprintf("[error] relay rejected session: %v", ev.Err))
	case EventPresence:
		ids := make([]string, len(ev.Online))
		for i, id := range ev.Online {
			ids[i] = id.String()
		}
		ui.mu.Lock()
		state := ui.connState
		ui.mu.Unlock()
		ui.setStatus(fmt.Sprintf("%s | online: %s", state, strings.Join(ids, ", ")))
	case EventKeyEstablished:
		if ev.Peer == peer {
			ui.appendLine("[key] session key received")
		}
	case EventKeyFailed:
		if ev.Peer == peer {
			ui.appendLine(fmt.Sprintf("[key] key exchange failed: %v", ev.Err))
		}
	case EventMessage:
		if ev.Peer == peer {
			ui.appendLine(formatLine(ui.app.ID(), ev.Message))
			return
		}
		ui.appendLine(fmt.Sprintf("[notice] new message from %d", ev.Peer))
	}
}

// UpdateMessages redraws the message and status views
func (ui *UI) UpdateMessages(g *gocui.Gui) error {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	v, err := g.View("messages")
	if err != nil {
		return err
	}
	v.Clear()
	for _, msg := range ui.messages {
		fmt.Fprintln(v, msg)
	}

	s, err := g.View("status")
	if err != nil {
		return err
	}
	s.Clear()
	fmt.Fprintf(s, "%s | key: %s", ui.status, ui.app.KeyState(ui.peer))
	return nil
}

func (ui *UI) promptHandler(g *gocui.Gui, v *gocui.View) error {
	peer, err := common.ParseIdentityID(strings.TrimSpace(v.Buffer()))
	if err != nil {
		v.Clear()
		v.SetCursor(0, 0)
		return nil
	}
	ui.mu.Lock()
	ui.peer = peer
	ui.mu.Unlock()

	g.DeleteView("prompt")
	go ui.startChat(peer)
	return nil
}

// sendMessageHandler handles sending messages on Enter press. "/safety"
// prints the safety number instead of sending.
func (ui *UI) sendMessageHandler(g *gocui.Gui, v *gocui.View) error {
	text := strings.TrimSpace(v.Buffer())
	v.Clear()
	v.SetCursor(0, 0)
	if text == "" {
		return nil
	}
	peer := ui.currentPeer()

	if text == "/safety" {
		go func() {
			num, err := ui.app.SafetyNumber(ui.ctx, peer)
			if err != nil {
				ui.appendLine(fmt.Sprintf("[error] %v", err))
				return
			}
			ui.appendLine("[safety number] " + num)
		}()
		return nil
	}

	msg, err := ui.app.SendText(ui.ctx, peer, text)
	switch {
	case errors.Is(err, common.ErrKeyNotReady):
		ui.appendLine("[not sent] waiting for the session key, try again shortly")
	case errors.Is(err, common.ErrTransportUnavailable):
		ui.appendLine("[not sent] not connected to the relay")
	case err != nil:
		ui.logger.Errorf("Error sending message: %v", err)
		ui.appendLine(fmt.Sprintf("[not sent] %v", err))
	default:
		ui.appendLine(formatLine(ui.app.ID(), msg))
	}
	return nil
}

// quit handles quitting the application
func (ui *UI) quit(_ *gocui.Gui, _ *gocui.View) error {
	ui.logger.Info("Shutting down gracefully...")
	return gocui.ErrQuit
}

// Layout function for the UI
func (ui *UI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	peer := ui.currentPeer()

	if peer == 0 {
		if v, err := g.SetView("prompt", maxX/4, maxY/4, 3*maxX/4, maxY/2); err != nil {
			if !errors.Is(err, gocui.ErrUnknownView) {
				return err
			}
			v.Title = "Enter recipient ID"
			v.Editable = true
			v.Wrap = true
			g.SetCurrentView("prompt")
		}
		return nil
	}

	if v, err := g.SetView("messages", 0, 0, maxX-1, maxY-7); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = fmt.Sprintf("Chat with %d", peer)
		v.Autoscroll = true
		v.Wrap = true
	}

	if v, err := g.SetView("status", 0, maxY-6, maxX-1, maxY-4); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Status"
	}

	if v, err := g.SetView("input", 0, maxY-3, maxX-1, maxY-1); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Type a message (/safety to compare keys)"
		v.Editable = true
		v.Wrap = true
		g.SetCurrentView("input")
		return ui.UpdateMessages(g)
	}

	return nil
}
