package pi_short_circuit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"
)

// Operator is the person at the stand. Confirm blocks until they answer.
type Operator interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
	Countdown(remaining int)
	CountdownEnd(aborted bool)
}

// ConsoleOperator prompts on a terminal and shows the countdown on a spinner.
type ConsoleOperator struct {
	In  io.Reader
	Out io.Writer

	spinner *yacspin.Spinner
}

func (c *ConsoleOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	fmt.Fprintf(c.Out, "%s [y/N]: ", prompt)

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(c.In).ReadString('\n')
		if err != nil && line == "" {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err := <-errc:
		return false, err
	case line := <-answer:
		line = strings.ToLower(strings.TrimSpace(line))
		return line == "y" || line == "yes", nil
	}
}

func (c *ConsoleOperator) Countdown(remaining int) {
	if c.spinner == nil {
		s, err := yacspin.New(yacspin.Config{
			Writer:            c.Out,
			Frequency:         100 * time.Millisecond,
			CharSet:           yacspin.CharSets[11],
			Suffix:            " ",
			StopCharacter:     "!",
			StopMessage:       "short sequence started",
			StopFailCharacter: "x",
			StopFailMessage:   "countdown aborted",
		})
		if err != nil {
			fmt.Fprintf(c.Out, "T-%d\n", remaining)
			return
		}
		c.spinner = s
		_ = c.spinner.Start()
	}
	c.spinner.Message(fmt.Sprintf("T-%d", remaining))
}

func (c *ConsoleOperator) CountdownEnd(aborted bool) {
	if c.spinner == nil {
		return
	}
	if aborted {
		_ = c.spinner.StopFail()
	} else {
		_ = c.spinner.Stop()
	}
	c.spinner = nil
}

// AutoOperator confirms every run without asking. Used for unattended and simulated runs.
type AutoOperator struct {
	Logger zerolog.Logger
}

func (a AutoOperator) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.Logger.Warn().Str("prompt", prompt).Msg("confirmation skipped")
	return true, nil
}

func (a AutoOperator) Countdown(remaining int) {
	a.Logger.Info().Int("remaining", remaining).Msg("countdown")
}

func (a AutoOperator) CountdownEnd(aborted bool) {
	if aborted {
		a.Logger.Warn().Msg("countdown aborted")
	}
}
