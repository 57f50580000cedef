package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/playforge/arena/internal/game"
)

// repl reads operator lines and routes them: connection management is
// handled locally, every other line is sent to the server as a command.
type repl struct {
	cfg      Config
	confPath string

	sess *session
	in   *bufio.Scanner
	out  io.Writer
}

func newREPL(cfg Config, confPath string, in io.Reader, out io.Writer) *repl {
	return &repl{
		cfg:      cfg,
		confPath: confPath,
		in:       bufio.NewScanner(in),
		out:      out,
	}
}

func (r *repl) run() {
	for r.in.Scan() {
		if quit := r.handleLine(r.in.Text()); quit {
			return
		}
	}
	// Input closed under us; leave the server session tidy.
	if r.sess != nil {
		r.sess.Close()
		r.sess = nil
	}
}

// handleLine processes one operator line and reports whether the repl
// should quit.
func (r *repl) handleLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "connect":
		r.connectCmd()
	case "disconnect":
		r.disconnectCmd()
	case "set-ip":
		r.setIPCmd(args)
	case "set-port":
		r.setPortCmd(args)
	case "event":
		r.eventCmd(args)
	case "exit":
		r.exitCmd()
		return true
	default:
		r.serverCmd(name, args)
	}
	return false
}

func (r *repl) connectCmd() {
	if r.sess != nil {
		fmt.Fprintln(r.out, "Already connected. Run disconnect first.")
		return
	}

	fmt.Fprint(r.out, "Enter the password: ")
	if !r.in.Scan() {
		return
	}
	token := tokenFromPassword(r.in.Text())

	sess, err := connect(r.cfg.IP, r.cfg.Port, token)
	if err != nil {
		fmt.Fprintln(r.out, "Connect failed:", err)
		return
	}
	r.sess = sess
	fmt.Fprintf(r.out, "Connected to %s:%d.\n", r.cfg.IP, r.cfg.Port)
}

func (r *repl) disconnectCmd() {
	if r.sess == nil {
		fmt.Fprintln(r.out, "You are not connected yet!")
		return
	}
	r.sess.Close()
	r.sess = nil
	fmt.Fprintln(r.out, "Successfully disconnected!")
}

func (r *repl) setIPCmd(args []string) {
	if r.sess != nil {
		fmt.Fprintln(r.out, "Cannot change IP or port while connected.")
		return
	}
	value, save := splitPersistFlag(args)
	if value == "" {
		fmt.Fprintln(r.out, "Usage: set-ip <ip> [-s]")
		return
	}
	r.cfg.IP = value
	fmt.Fprintln(r.out, "IP changed successfully.")
	r.persist(save)
}

func (r *repl) setPortCmd(args []string) {
	if r.sess != nil {
		fmt.Fprintln(r.out, "Cannot change IP or port while connected.")
		return
	}
	value, save := splitPersistFlag(args)
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintln(r.out, "Usage: set-port <port> [-s]")
		return
	}
	r.cfg.Port = port
	fmt.Fprintln(r.out, "Port changed successfully.")
	r.persist(save)
}

// eventCmd ships a game event: event <type> [args...].
func (r *repl) eventCmd(args []string) {
	if r.sess == nil {
		fmt.Fprintln(r.out, "You are not connected yet!")
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(r.out, "Usage: event <type> [args...]")
		return
	}

	ev := game.Event{Type: args[0], Args: args[1:]}
	if err := r.sess.SendEvent(ev); err != nil {
		fmt.Fprintln(r.out, "Event not delivered:", err)
		r.dropSession()
	}
}

// exitCmd forwards exit to a connected server so the whole deployment
// stops, then quits the repl either way.
func (r *repl) exitCmd() {
	if r.sess == nil {
		return
	}
	if err := r.sess.SendCommand("exit", nil); err != nil {
		fmt.Fprintln(r.out, "Exit not delivered:", err)
	}
	r.sess.Close()
	r.sess = nil
}

// serverCmd sends any unrecognized line to the server and prints the
// report it answers with.
func (r *repl) serverCmd(name string, args []string) {
	if r.sess == nil {
		fmt.Fprintln(r.out, "Command not found. Please connect to server to get more commands available.")
		return
	}

	lines, err := r.sess.RunCommand(name, args)
	if err != nil {
		fmt.Fprintln(r.out, "Command failed:", err)
		r.dropSession()
		return
	}
	for _, line := range lines {
		fmt.Fprintln(r.out, line)
	}
}

func (r *repl) dropSession() {
	if r.sess == nil {
		return
	}
	r.sess.Close()
	r.sess = nil
	fmt.Fprintln(r.out, "Connection closed.")
}

func (r *repl) persist(save bool) {
	if !save {
		return
	}
	if err := saveJSONConfig(&r.cfg, r.confPath); err != nil {
		fmt.Fprintln(r.out, "Saving settings failed:", err)
		return
	}
	fmt.Fprintf(r.out, "Settings saved to %s.\n", r.confPath)
}

// splitPersistFlag extracts the optional -s flag wherever it appears in
// the argument list.
func splitPersistFlag(args []string) (value string, save bool) {
	for _, a := range args {
		if a == "-s" {
			save = true
			continue
		}
		if value == "" {
			value = a
		}
	}
	return value, save
}
