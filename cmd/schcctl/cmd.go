package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/term"

	"github.com/open-source-firmware/go-schc/pkg/schc/config"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/session"
	"github.com/open-source-firmware/go-schc/pkg/schc/wire"
)

// context is the context struct required by kong command line parser
type context struct{}

type fragmentCmd struct {
	Input  string `flag:"" required:"" short:"i" help:"File holding the packet to fragment"`
	Rule   int    `flag:"" optional:"" short:"r" default:"20" help:"Fragmentation rule id (20 ack-on-error, 21 ack-always)"`
	Mtu    int    `flag:"" optional:"" short:"m" default:"0" help:"MTU in bytes; 0 takes the configured default"`
	Config string `flag:"" optional:"" short:"c" help:"Path to YAML configuration"`
}

type simulateCmd struct {
	Input  string  `flag:"" required:"" short:"i" help:"File holding the packet to fragment"`
	Output string  `flag:"" optional:"" short:"o" help:"Write the reassembled packet here for comparison"`
	Rule   int     `flag:"" optional:"" short:"r" default:"20" help:"Fragmentation rule id"`
	Mtu    int     `flag:"" optional:"" short:"m" default:"0" help:"MTU in bytes; 0 takes the configured default"`
	Loss   float64 `flag:"" optional:"" short:"l" default:"-1" help:"Channel loss probability; -1 takes the configured default"`
	Seed   int64   `flag:"" optional:"" short:"s" default:"0" help:"Loss pattern seed; 0 takes the configured default"`
	Config string  `flag:"" optional:"" short:"c" help:"Path to YAML configuration"`
}

type dumpCmd struct {
	Frame    string `arg:"" help:"Hex-encoded frame, FPort byte first"`
	TileBits int    `flag:"" optional:"" default:"80" help:"Ack-Always tile size in bits"`
}

// cli is the main command line interface struct required by kong command line parser
var cli struct {
	Fragment fragmentCmd `cmd:"" help:"Fragment a file and print every frame of a loss-free exchange"`
	Simulate simulateCmd `cmd:"" help:"Run a full exchange over a simulated lossy channel"`
	Dump     dumpCmd     `cmd:"" help:"Decode a single frame and dump its structure"`
}

func newLogger(level string) *charmlog.Logger {
	l := charmlog.New(os.Stderr)
	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(charmlog.DebugLevel)
	case "warn":
		l.SetLevel(charmlog.WarnLevel)
	case "error":
		l.SetLevel(charmlog.ErrorLevel)
	default:
		l.SetLevel(charmlog.InfoLevel)
	}
	return l
}

// exchange pumps frames between a fresh sender/receiver pair until both
// finish, dropping transmissions the drop function names and reporting
// every surviving frame to onFrame. Stalls fire the sender's
// retransmission timer, as a host alarm would.
func exchange(cfg config.Config, logger *charmlog.Logger, rule int, payload []byte, mtu int,
	drop func(n int) bool, onFrame func(dir string, frame []byte)) ([]byte, error) {

	p, err := profile.For(profile.RuleID(rule), cfg.AckAlwaysTileBits)
	if err != nil {
		return nil, err
	}
	slog := schclog.New(logger)

	snd, err := session.NewSender(p, payload, 0, session.WithLogger(slog), session.WithoutAlarm())
	if err != nil {
		return nil, err
	}
	var got []byte
	rcv, err := session.NewReceiver(p, func(b []byte) { got = b },
		session.WithLogger(slog), session.WithoutAlarm())
	if err != nil {
		return nil, err
	}

	sent := 0
	deliver := func(dir string, frame []byte, to *session.Session) {
		sent++
		if drop != nil && drop(sent) {
			logger.Debug("channel dropped frame", "n", sent)
			return
		}
		if onFrame != nil {
			onFrame(dir, frame)
		}
		if err := to.ReceiveMessage(frame); err != nil {
			logger.Debug("peer rejected frame", "err", err)
		}
	}

	for iter := 0; iter < 100000; iter++ {
		if snd.IsTerminal() && rcv.IsTerminal() {
			break
		}
		progress := false
		for {
			frame, gerr := snd.GenerateMessage(mtu)
			if gerr != nil || frame == nil {
				break
			}
			progress = true
			deliver("uplink", frame, rcv)
		}
		for {
			frame, gerr := rcv.GenerateMessage(mtu)
			if gerr != nil || frame == nil {
				break
			}
			progress = true
			deliver("downlink", frame, snd)
		}
		if !progress {
			if snd.State() != "waiting" {
				break
			}
			snd.OnTimer()
		}
	}

	if err := snd.Err(); err != nil {
		return got, fmt.Errorf("sender: %w", err)
	}
	if err := rcv.Err(); err != nil {
		return got, fmt.Errorf("receiver: %w", err)
	}
	if got == nil {
		return nil, fmt.Errorf("exchange did not complete")
	}
	return got, nil
}

// Run executes when the fragment command is invoked
func (c *fragmentCmd) Run(ctx *context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	payload, err := os.ReadFile(c.Input)
	if err != nil {
		return err
	}
	mtu := c.Mtu
	if mtu <= 0 {
		mtu = cfg.MTUBytes
	}

	n := 0
	got, err := exchange(cfg, logger, c.Rule, payload, mtu, nil, func(dir string, frame []byte) {
		n++
		fmt.Printf("%3d %-8s %s\n", n, dir, hex.EncodeToString(frame))
	})
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("reassembled packet differs from input")
	}
	logger.Info("exchange complete", "frames", n, "bytes", len(payload))
	return nil
}

// Run executes when the simulate command is invoked
func (c *simulateCmd) Run(ctx *context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	payload, err := os.ReadFile(c.Input)
	if err != nil {
		return err
	}
	mtu := c.Mtu
	if mtu <= 0 {
		mtu = cfg.MTUBytes
	}
	loss := c.Loss
	if loss < 0 {
		loss = cfg.LossRate
	}
	seed := c.Seed
	if seed == 0 {
		seed = cfg.Seed
	}

	rng := rand.New(rand.NewSource(seed))
	live := term.IsTerminal(int(os.Stdout.Fd()))

	frames, dropped := 0, 0
	got, err := exchange(cfg, logger, c.Rule, payload, mtu, func(n int) bool {
		if rng.Float64() < loss {
			dropped++
			return true
		}
		return false
	}, func(dir string, frame []byte) {
		frames++
		if live {
			fmt.Printf("\rframes %d dropped %d", frames, dropped)
		}
	})
	if live {
		fmt.Println()
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("reassembled packet differs from input")
	}
	if c.Output != "" {
		if err := os.WriteFile(c.Output, got, 0o644); err != nil {
			return err
		}
	}
	logger.Info("simulation complete", "frames", frames, "dropped", dropped, "loss", loss, "seed", seed)
	return nil
}

// Run executes when the dump command is invoked
func (c *dumpCmd) Run(ctx *context) error {
	raw, err := hex.DecodeString(strings.ReplaceAll(c.Frame, " ", ""))
	if err != nil {
		return fmt.Errorf("frame is not valid hex: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("frame is empty")
	}
	msg, p, err := wire.Parse(raw[0], raw[1:], func(rule int) (profile.Profile, error) {
		return profile.For(profile.RuleID(rule), c.TileBits)
	})
	if err != nil {
		return err
	}
	fmt.Printf("kind: %s, rule: %d\n", msg.Kind(), p.RuleID)
	spew.Dump(msg)
	return nil
}
