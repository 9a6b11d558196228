package outswitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shellPrompt = "outswitch> "

type shellSelector interface {
	List() []AudioDevice
	Default() (string, error)
	SelectByName(ctx context.Context, substring string) (AudioDevice, error)
	SelectByID(ctx context.Context, id string) (AudioDevice, error)
}

// Shell is an interactive prompt for listing devices and switching the default output
type Shell struct {
	logger   *zap.SugaredLogger
	selector shellSelector
	out      io.Writer
}

// NewShell creates a shell writing its output to out
func NewShell(logger *zap.SugaredLogger, selector shellSelector, out io.Writer) *Shell {
	return &Shell{
		logger:   logger.Named("shell"),
		selector: selector,
		out:      out,
	}
}

// Run reads commands until exit, EOF or ctx is done
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          shellPrompt,
		HistoryFile:     filepath.Join(os.TempDir(), "outswitch-shell.history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          s.out,
	})
	if err != nil {
		return fmt.Errorf("create readline instance: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	fmt.Fprintln(s.out, "Type 'help' for available commands, 'exit' to leave.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}

		quit, err := s.Execute(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// Execute runs a single shell line and reports whether the shell should exit
func (s *Shell) Execute(ctx context.Context, line string) (bool, error) {
	tokens, err := shlex.Split(strings.TrimSpace(line))
	if err != nil {
		return false, fmt.Errorf("parse line: %w", err)
	}

	if len(tokens) == 0 {
		return false, nil
	}

	command, args := strings.ToLower(tokens[0]), tokens[1:]
	s.logger.Debugw("Executing shell command", "command", command, "args", args)

	switch command {
	case "exit", "quit":
		return true, nil

	case "help":
		s.printHelp()

	case "list", "ls":
		return false, s.list(args)

	case "default":
		id, err := s.selector.Default()
		if err != nil {
			return false, fmt.Errorf("get default output: %w", err)
		}
		fmt.Fprintln(s.out, id)

	case "use":
		if len(args) == 0 {
			return false, errors.New("usage: use <name substring>")
		}
		return false, s.report(s.selector.SelectByName(ctx, strings.Join(args, " ")))

	case "id":
		if len(args) != 1 {
			return false, errors.New("usage: id <device id>")
		}
		return false, s.report(s.selector.SelectByID(ctx, args[0]))

	default:
		return false, fmt.Errorf("unknown command %q, try 'help'", command)
	}

	return false, nil
}

func (s *Shell) list(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var asJSON bool
	fs.BoolVarP(&asJSON, "json", "j", false, "print devices as JSON")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse list flags: %w", err)
	}

	devices := s.selector.List()
	if asJSON {
		return PrintDevicesJSON(s.out, devices)
	}

	return PrintDevices(s.out, devices)
}

func (s *Shell) report(device AudioDevice, err error) error {
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "default output is now %s\n", device)
	return nil
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `Available commands:
  list [--json]        list active output devices
  default              print the current default output's id
  use <substring>      switch to the first device whose name contains substring
  id <device id>       switch to the device with exactly this id
  exit / quit          leave the shell`)
}
