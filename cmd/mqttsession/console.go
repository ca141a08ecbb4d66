package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/rkek9501/MqttClient/internal/journal"
	"github.com/rkek9501/MqttClient/internal/session"
)

const prompt = "mqtt> "

const helpText = `commands:
  pub <topic> <message...>   publish message to topic
  sub <filter> [qos]         subscribe, now or on the next connect
  discon                     disconnect (held for the settle delay, or until
                             connect when session.sticky_disconnect is set)
  connect                    connect again after discon
  status                     connection, transport health, subscriptions
                             and watchdog stats
  history [n]                last n journal entries
  help                       this text
  quit                       disconnect and exit (an empty line does the same)`

var completer = readline.NewPrefixCompleter(
	readline.PcItem("pub"),
	readline.PcItem("sub"),
	readline.PcItem("discon"),
	readline.PcItem("connect"),
	readline.PcItem("status"),
	readline.PcItem("history"),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

var (
	errUnknownCommand = errors.New("unknown command (try help)")
	errUsage          = errors.New("usage")
	errNoJournal      = errors.New("journal disabled (set journal.enabled)")
)

type commandKind int

const (
	cmdQuit commandKind = iota
	cmdPublish
	cmdSubscribe
	cmdDisconnect
	cmdConnect
	cmdStatus
	cmdHistory
	cmdHelp
)

// command is one parsed console line.
type command struct {
	kind    commandKind
	topic   string
	payload string
	qos     session.QoS
	limit   int
}

// parseCommand parses a console line. An empty line means quit.
func parseCommand(line string, defaultQoS session.QoS) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: cmdQuit}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch name {
	case "pub":
		topic, payload, _ := strings.Cut(rest, " ")
		if topic == "" {
			return command{}, fmt.Errorf("%w: pub <topic> <message...>", errUsage)
		}
		return command{kind: cmdPublish, topic: topic, payload: strings.TrimLeft(payload, " ")}, nil

	case "sub":
		if len(args) == 0 || len(args) > 2 {
			return command{}, fmt.Errorf("%w: sub <filter> [qos]", errUsage)
		}
		cmd := command{kind: cmdSubscribe, topic: args[0], qos: defaultQoS}
		if len(args) == 2 {
			q, err := strconv.ParseUint(args[1], 10, 8)
			if err != nil || !session.QoS(q).Valid() {
				return command{}, fmt.Errorf("%w: qos must be 0, 1 or 2", errUsage)
			}
			cmd.qos = session.QoS(q)
		}
		return cmd, nil

	case "history":
		cmd := command{kind: cmdHistory}
		if len(args) > 1 {
			return command{}, fmt.Errorf("%w: history [n]", errUsage)
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("%w: history [n], n > 0", errUsage)
			}
			cmd.limit = n
		}
		return cmd, nil

	case "discon":
		return command{kind: cmdDisconnect}, nil
	case "connect":
		return command{kind: cmdConnect}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("%w: %s", errUnknownCommand, name)
	}
}

// console executes commands against a session.
type console struct {
	sess       *session.Session
	sm         *session.StateMachine
	watchdog   *session.Watchdog
	dispatcher *session.Dispatcher
	history    journal.Repository
	params     session.Params
	defaultQoS session.QoS
	out        io.Writer
}

// lineReader is the part of readline.Instance the loop uses.
type lineReader interface {
	Readline() (string, error)
}

// loop reads commands until quit, an empty line, EOF or ctx cancellation.
func (c *console) loop(ctx context.Context, r lineReader) error {
	for {
		line, err := r.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			return nil //nolint:nilerr // EOF or closed terminal ends the console
		}
		if ctx.Err() != nil {
			return nil
		}

		cmd, err := parseCommand(line, c.defaultQoS)
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		if cmd.kind == cmdQuit {
			return nil
		}
		if err := c.execute(ctx, cmd); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// execute runs one command. Quit is handled by the loop.
func (c *console) execute(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdPublish:
		if err := c.sess.Publish(ctx, cmd.topic, []byte(cmd.payload)); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "[%s]: %s\n", cmd.topic, cmd.payload)

	case cmdSubscribe:
		err := c.sess.Subscribe(ctx, session.Subscription{Filter: cmd.topic, QoS: cmd.qos})
		switch {
		case errors.Is(err, session.ErrNotConnected):
			fmt.Fprintf(c.out, "not connected; %s will be subscribed on the next connect\n", cmd.topic)
		case err != nil:
			return err
		default:
			fmt.Fprintf(c.out, "subscribed %s (qos %d)\n", cmd.topic, cmd.qos)
		}

	case cmdDisconnect:
		if err := c.sess.Disconnect(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Disconnected!")

	case cmdConnect:
		if err := c.sess.Connect(ctx, c.params); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "connect!")

	case cmdStatus:
		c.printStatus(ctx)

	case cmdHistory:
		if c.history == nil {
			return errNoJournal
		}
		entries, err := c.history.Recent(ctx, cmd.limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(c.out, "journal is empty")
		}
		for i := len(entries) - 1; i >= 0; i-- {
			fmt.Fprintln(c.out, entries[i].String())
		}

	case cmdHelp:
		fmt.Fprintln(c.out, helpText)

	default:
		return errUnknownCommand
	}
	return nil
}

func (c *console) printStatus(ctx context.Context) {
	snap := c.sm.Snapshot()
	fmt.Fprintf(c.out, "status:   %s", snap.Status)
	if snap.Status == session.StatusDisconnected {
		fmt.Fprintf(c.out, " (%s)", snap.Cause)
	}
	fmt.Fprintf(c.out, " since %s\n", snap.Since.Format(time.TimeOnly))
	fmt.Fprintf(c.out, "broker:   %s:%d as %s\n", c.params.Host, c.params.Port, c.params.ClientID)
	if err := c.sess.HealthCheck(ctx); err != nil {
		fmt.Fprintf(c.out, "health:   %v\n", err)
	} else {
		fmt.Fprintln(c.out, "health:   ok")
	}

	for _, s := range c.sess.Subscriptions() {
		fmt.Fprintf(c.out, "sub:      %s (qos %d)\n", s.Filter, s.QoS)
	}

	if c.watchdog != nil {
		st := c.watchdog.Stats()
		fmt.Fprintf(c.out, "watchdog: %s, every %s, %d attempts, %d failed",
			c.watchdog.State(), st.Interval, st.Attempts, st.Failures)
		if st.LastError != "" {
			fmt.Fprintf(c.out, ", last error: %s", st.LastError)
		}
		fmt.Fprintln(c.out)
	}
	if c.dispatcher != nil {
		fmt.Fprintf(c.out, "queue:    %d pending\n", c.dispatcher.Pending())
	}
}
