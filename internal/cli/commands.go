// Package cli implements the interactive operator console.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/blockfort/blockfort/internal/config"
	"github.com/blockfort/blockfort/internal/events"
	"github.com/blockfort/blockfort/internal/game"
	"github.com/blockfort/blockfort/internal/health"
	"github.com/blockfort/blockfort/internal/network"
	"github.com/blockfort/blockfort/internal/util"
)

const commandTimeout = 5 * time.Second

// Game is the running server as seen by the console.
type Game interface {
	Counts() (connections, players int)
	Stats() network.Stats
	Snapshot(ctx context.Context) ([]network.ConnectionInfo, error)
	Kick(ctx context.Context, connID int) (bool, error)
	Players(ctx context.Context) ([]game.PlayerInfo, error)
	Ban(ctx context.Context, ip netip.Addr, reason string) (int, error)
	Unban(ctx context.Context, ip netip.Addr) error
	Announce(ctx context.Context, text string) (int, error)
}

// CLI reads operator commands line by line.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     Game
	health   *health.Manager

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, g Game, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		game:     g,
		in:       in,
		out:      out,
	}
}

// SetHealth enables the health command.
func (c *CLI) SetHealth(m *health.Manager) {
	c.health = m
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintf(c.out, "\n%s console ready. Type 'help' for available commands.\n", util.AppName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input error")
		}
	}()

	for {
		fmt.Fprint(c.out, util.AppName+"> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.Execute(ctx, line); quit {
				return
			}
		}
	}
}

// Execute runs one command line and reports whether the console should
// exit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "health":
		err = c.printHealth(ctx)
	case "list", "ls", "connections":
		err = c.printConnections(ctx)
	case "players", "who":
		err = c.printPlayers(ctx)
	case "kick":
		err = c.cmdKick(ctx, args)
	case "ban":
		err = c.cmdBan(ctx, args)
	case "unban":
		err = c.cmdUnban(ctx, args)
	case "say", "message", "msg":
		err = c.cmdSay(ctx, args)
	case "setconfig":
		err = c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintf(c.out, "Shutting down %s...\n", util.AppName)
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"status", "Show server summary and counters"},
		{"health", "Run the health checks now"},
		{"list", "List every connection"},
		{"players", "List joined players"},
		{"kick <conn_id>", "Disconnect a connection"},
		{"ban <ip> [reason]", "Refuse an address and kick its connections"},
		{"unban <ip>", "Lift a ban"},
		{"say <text>", "Send a server chat line to every player"},
		{"setconfig <k> <v>", "Update a server setting (applies on restart)"},
		{"quit", "Shut down the server"},
	})
	tw.Render()
}

func (c *CLI) printStatus() {
	conns, players := c.game.Counts()
	stats := c.game.Stats()
	srv := c.cfg.GetServer()

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"Name", srv.Name},
		{"Map", srv.MapName},
		{"Port", strconv.Itoa(srv.Port)},
		{"Players", fmt.Sprintf("%d/%d", players, srv.MaxPlayers)},
		{"Connections", fmt.Sprintf("%d/%d", conns, srv.MaxConnections)},
		{"Datagrams", strconv.FormatUint(stats.Datagrams, 10)},
		{"Malformed", strconv.FormatUint(stats.Malformed, 10)},
		{"Rate limited", strconv.FormatUint(stats.RateLimited, 10)},
		{"Accepted", strconv.FormatUint(stats.Accepted, 10)},
		{"Rejected", strconv.FormatUint(stats.Rejected, 10)},
		{"Anomalies", strconv.FormatUint(stats.Anomalies, 10)},
	})
	tw.Render()
}

func (c *CLI) printHealth(ctx context.Context) error {
	if c.health == nil {
		return errors.New("health checks are not running")
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Check", "Status", "Took", "Error"})
	tw.SetAutoWrapText(false)
	for _, r := range c.health.RunOnce(ctx) {
		status := "ok"
		if !r.Healthy {
			status = "FAIL"
		}
		tw.Append([]string{r.Name, status, r.Duration, r.Error})
	}
	tw.Render()
	return nil
}

func (c *CLI) printConnections(ctx context.Context) error {
	conns, err := c.game.Snapshot(ctx)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Address", "Phase", "Player", "Latency", "Queued", "In", "Out"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, info := range conns {
		player := "-"
		if info.PlayerID >= 0 {
			player = strconv.Itoa(info.PlayerID)
		}
		tw.Append([]string{
			strconv.Itoa(info.ConnectionID),
			info.Address,
			info.Phase,
			player,
			info.Latency.Round(time.Millisecond).String(),
			strconv.Itoa(info.Queued),
			strconv.FormatUint(info.PacketsIn, 10),
			strconv.FormatUint(info.PacketsOut, 10),
		})
	}
	tw.Render()
	fmt.Fprintf(c.out, "%d connection(s)\n", len(conns))
	return nil
}

func (c *CLI) printPlayers(ctx context.Context) error {
	players, err := c.game.Players(ctx)
	if err != nil {
		return err
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Name", "Team", "Conn", "Position"})
	tw.SetAutoWrapText(false)

	for _, p := range players {
		pos := "-"
		if p.Spawned {
			pos = fmt.Sprintf("%.0f,%.0f,%.0f", p.X, p.Y, p.Z)
		}
		tw.Append([]string{
			strconv.Itoa(p.ID),
			p.Name,
			teamName(p.Team),
			strconv.Itoa(p.ConnectionID),
			pos,
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kick <conn_id>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil || id < 0 {
		return fmt.Errorf("invalid connection id: %s", args[0])
	}

	found, err := c.game.Kick(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no connection with id %d", id)
	}
	fmt.Fprintf(c.out, "Connection %d kicked\n", id)
	return nil
}

func (c *CLI) cmdBan(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: ban <ip> [reason]")
	}
	ip, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid ip: %s", args[0])
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "banned by operator"
	}

	kicked, err := c.game.Ban(ctx, ip, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s banned, %d connection(s) kicked\n", ip, kicked)
	return nil
}

func (c *CLI) cmdUnban(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: unban <ip>")
	}
	ip, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid ip: %s", args[0])
	}
	if err := c.game.Unban(ctx, ip); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s unbanned\n", ip)
	return nil
}

func (c *CLI) cmdSay(ctx context.Context, args []string) error {
	text := strings.Join(args, " ")
	if text == "" {
		return errors.New("usage: say <text>")
	}
	if len(text) > game.MaxChatLength {
		return fmt.Errorf("message longer than %d characters", game.MaxChatLength)
	}

	sent, err := c.game.Announce(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Message sent to %d player(s)\n", sent)
	return nil
}

func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	if err := c.cfg.UpdateServerField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s (applies on restart)\n", key, raw)
	return nil
}

func teamName(team uint8) string {
	switch team {
	case game.TeamBlue:
		return "blue"
	case game.TeamGreen:
		return "green"
	case game.TeamSpectator:
		return "spectator"
	default:
		return strconv.Itoa(int(team))
	}
}
