package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nearbychat/nearby/internal/session"
)

// runConsole reads operator commands from r until EOF or ctx cancellation.
// Output goes to w so the command surface stays testable.
func (a *App) runConsole(ctx context.Context, r io.Reader, w io.Writer) {
	sc := bufio.NewScanner(r)
	fmt.Fprintln(w, "Type /help for commands.")
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.handleCommand(ctx, w, line)
	}
}

func (a *App) handleCommand(ctx context.Context, w io.Writer, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Fprintln(w, `Commands:
  /peers                       visible peers
  /known                       every peer ever recorded
  /rooms                       stored rooms, most recent first
  /chat <peer-uuid> [name]     reconcile a room with a peer and invite them
  /fresh <peer-uuid> [name]    start a brand-new room even if old ones exist
  /rejoin <peer-uuid> <room>   invite a peer back into an old room
  /send <room-uuid> <text>     send a message
  /history <room-uuid>         show stored messages
  /end <room-uuid> <peer-uuid> end the conversation`)

	case "/peers":
		peers := a.VisiblePeers()
		if len(peers) == 0 {
			fmt.Fprintln(w, "no peers visible")
			return
		}
		for _, p := range peers {
			state := ""
			if p.Connected {
				state = " [connected]"
			}
			fmt.Fprintf(w, "%s  %s%s\n", p.UUID, p.Name, state)
		}

	case "/known":
		rows, err := a.KnownPeers()
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return
		}
		for _, p := range rows {
			fmt.Fprintf(w, "%s  %s  last seen %s\n", p.UUID, p.DisplayName, p.LastSeen.Format("2006-01-02 15:04:05"))
		}

	case "/rooms":
		rooms, err := a.Rooms()
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return
		}
		for _, r := range rooms {
			fmt.Fprintf(w, "%s  %q  owner %s\n", r.UUID, r.Name, r.OwnerUUID)
		}

	case "/chat", "/fresh":
		if len(args) < 1 {
			fmt.Fprintf(w, "usage: %s <peer-uuid> [room name]\n", cmd)
			return
		}
		peerUUID := args[0]
		roomName := strings.Join(args[1:], " ")
		if roomName == "" {
			roomName = "chat"
		}
		if cmd == "/fresh" {
			room, err := a.StartFresh(ctx, peerUUID, roomName)
			reportInvite(w, err)
			if err == nil {
				fmt.Fprintf(w, "room %s (%q)\n", room.UUID, room.Name)
			}
			return
		}
		res, err := a.StartChat(ctx, peerUUID, roomName)
		reportInvite(w, err)
		if err != nil {
			return
		}
		if res.Created {
			fmt.Fprintf(w, "created room %s (%q)\n", res.Room.UUID, res.Room.Name)
		} else {
			fmt.Fprintf(w, "rejoined room %s (%q)\n", res.Room.UUID, res.Room.Name)
			if len(res.Candidates) > 1 {
				fmt.Fprintf(w, "other shared rooms (%d, use /rejoin, or /fresh to start over):\n", len(res.Candidates)-1)
				for _, c := range res.Candidates[1:] {
					fmt.Fprintf(w, "  %s  %q\n", c.UUID, c.Name)
				}
			}
		}

	case "/rejoin":
		if len(args) != 2 {
			fmt.Fprintln(w, "usage: /rejoin <peer-uuid> <room-uuid>")
			return
		}
		reportInvite(w, a.Rejoin(ctx, args[0], args[1]))

	case "/send":
		if len(args) < 2 {
			fmt.Fprintln(w, "usage: /send <room-uuid> <text>")
			return
		}
		if err := a.SendMessage(args[0], strings.Join(args[1:], " ")); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}

	case "/history":
		if len(args) != 1 {
			fmt.Fprintln(w, "usage: /history <room-uuid>")
			return
		}
		msgs, err := a.History(args[0], 0)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			return
		}
		for _, m := range msgs {
			fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.OwnerUUID, m.Content)
		}

	case "/end":
		if len(args) != 2 {
			fmt.Fprintln(w, "usage: /end <room-uuid> <peer-uuid>")
			return
		}
		if err := a.EndChat(args[0], args[1]); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}

	default:
		fmt.Fprintf(w, "unknown command %s (try /help)\n", cmd)
	}
}

func reportInvite(w io.Writer, err error) {
	switch {
	case err == nil:
		fmt.Fprintln(w, "connected")
	case errors.Is(err, session.ErrPeerNotFound):
		fmt.Fprintln(w, "peer is not visible right now")
	case errors.Is(err, session.ErrInviteDeclined):
		fmt.Fprintln(w, "invitation declined or timed out")
	default:
		fmt.Fprintf(w, "error: %v\n", err)
	}
}
