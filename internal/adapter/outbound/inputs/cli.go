// Package inputs provides input-provider adapters: interactive CLI
// prompts, environment lookup, and a composite chain.
package inputs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/a2c-smcp/smcp/internal/domain/inputs"
	"github.com/a2c-smcp/smcp/internal/port/outbound"
)

// CLIProvider prompts on a terminal. Reads happen on the calling
// goroutine; the resolver never holds locks across a prompt.
type CLIProvider struct {
	in  *bufio.Reader
	out io.Writer
	// passwordFD is the file descriptor used for no-echo reads; -1 disables
	// terminal handling (tests).
	passwordFD int
}

// NewCLIProvider builds a provider on stdin/stderr.
func NewCLIProvider() *CLIProvider {
	return &CLIProvider{in: bufio.NewReader(os.Stdin), out: os.Stderr, passwordFD: int(os.Stdin.Fd())}
}

// NewCLIProviderIO builds a provider on explicit streams, with password
// echo suppression disabled. For tests.
func NewCLIProviderIO(in io.Reader, out io.Writer) *CLIProvider {
	return &CLIProvider{in: bufio.NewReader(in), out: out, passwordFD: -1}
}

// PromptString implements outbound.InputProvider.
func (p *CLIProvider) PromptString(ctx context.Context, def inputs.Definition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt := def.Description
	if prompt == "" {
		prompt = def.ID
	}
	if def.Default != nil {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, *def.Default)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}

	var line string
	var err error
	if def.Password && p.passwordFD >= 0 && term.IsTerminal(p.passwordFD) {
		var raw []byte
		raw, err = term.ReadPassword(p.passwordFD)
		fmt.Fprintln(p.out)
		line = string(raw)
	} else {
		line, err = p.readLine()
	}
	if err != nil {
		return "", fmt.Errorf("read input %q: %w", def.ID, err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		if def.Default != nil {
			return *def.Default, nil
		}
		return "", nil
	}
	return line, nil
}

// PickString implements outbound.InputProvider.
func (p *CLIProvider) PickString(ctx context.Context, def inputs.Definition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt := def.Description
	if prompt == "" {
		prompt = def.ID
	}
	fmt.Fprintln(p.out, prompt)
	defaultIdx := -1
	for i, opt := range def.Options {
		marker := " "
		if def.Default != nil && opt == *def.Default {
			marker = "*"
			defaultIdx = i
		}
		fmt.Fprintf(p.out, " %s %d) %s\n", marker, i+1, opt)
	}
	fmt.Fprintf(p.out, "choice: ")

	line, err := p.readLine()
	if err != nil {
		return "", fmt.Errorf("read choice for %q: %w", def.ID, err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		if defaultIdx >= 0 {
			return def.Options[defaultIdx], nil
		}
		return "", errors.New("no choice entered and no default configured")
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(def.Options) {
		// Accept the option text itself as a choice.
		for _, opt := range def.Options {
			if opt == line {
				return opt, nil
			}
		}
		return "", fmt.Errorf("invalid choice %q", line)
	}
	return def.Options[n-1], nil
}

func (p *CLIProvider) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

var _ outbound.InputProvider = (*CLIProvider)(nil)
