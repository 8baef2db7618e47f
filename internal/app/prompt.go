// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/peerchat/internal/config"
)

// PromptPeer asks for the peer settings a fresh config lacks. Answers that
// fail validation are reported and the previous config is returned.
func PromptPeer(in io.Reader, out io.Writer, cfgPath string, cfg config.Config) (config.Config, error) {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "peerchat setup")
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")

	next := cfg
	next.Identity.UserID = askString(r, out, "User id", cfg.Identity.UserID)
	next.Peer.RelayURL = askString(r, out, "Relay URL", cfg.Peer.RelayURL)
	if askBool(r, out, "Use WebSocket signal stream", cfg.Peer.SignalMode == "stream") {
		next.Peer.SignalMode = "stream"
	} else {
		next.Peer.SignalMode = "poll"
		next.Peer.PollIntervalMs = askInt(r, out, "Poll interval (ms)", cfg.Peer.PollIntervalMs)
	}

	if err := next.ValidatePeer(); err != nil {
		return cfg, fmt.Errorf("invalid answers: %w", err)
	}
	return next, nil
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
