package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/aistudio-relay/internal/client"
	"github.com/MegaGrindStone/aistudio-relay/internal/markup"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type options struct {
	url       string
	sessionID string
	raw       bool
	html      bool
	history   bool
	clear     bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "aistudio-ask [question]",
		Short: "Ask the AI Studio relay a question and print the answer as it streams",
		Long: "Ask the AI Studio relay a question and print the answer as it streams.\n\n" +
			"Without a question, every line read from stdin is asked in turn. Ctrl-C stops the answer in flight.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, strings.Join(args, " "), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.url, "url", "http://localhost:3001", "base URL of the relay")
	flags.StringVar(&opts.sessionID, "session", "", "session id for the relay history (default is a new id)")
	flags.BoolVar(&opts.raw, "raw", false, "ask for an unframed text response instead of server-sent events")
	flags.BoolVar(&opts.html, "html", false, "print each final answer rendered as sanitized HTML")
	flags.BoolVar(&opts.history, "history", false, "print the session history and exit")
	flags.BoolVar(&opts.clear, "clear", false, "clear the session history and exit")

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, question string, in io.Reader, out io.Writer) error {
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}

	clientOpts := []client.Option{client.WithSessionID(opts.sessionID)}
	if opts.raw {
		clientOpts = append(clientOpts, client.WithRawFraming())
	}
	c := client.New(opts.url, clientOpts...)

	switch {
	case opts.clear:
		return c.ClearHistory(ctx)
	case opts.history:
		turns, err := c.History(ctx)
		if err != nil {
			return err
		}
		for _, turn := range turns {
			_, _ = fmt.Fprintf(out, "> %s\n%s\n\n", turn.Question, turn.Answer)
		}
		return nil
	}

	var renderer *markup.Renderer
	if opts.html {
		r, err := markup.NewRenderer()
		if err != nil {
			return err
		}
		renderer = &r
	}

	p := printer{out: out, renderer: renderer}
	s := client.NewSession(c)

	if question != "" {
		return p.ask(ctx, s, question)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := p.ask(ctx, s, line)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

// printer writes the growing answer of a turn, printing only what each update adds.
type printer struct {
	out      io.Writer
	renderer *markup.Renderer
	printed  int
}

func (p *printer) ask(ctx context.Context, s *client.Session, question string) error {
	// Ctrl-C stops the current answer only; the turn keeps what arrived.
	sigCtx, stop := signal.NotifyContext(context.WithoutCancel(ctx), os.Interrupt)
	defer stop()
	stopAbort := context.AfterFunc(sigCtx, s.Abort)
	defer stopAbort()

	p.printed = 0
	err := s.Submit(ctx, question, p.update)
	if errors.Is(err, client.ErrAborted) {
		_, _ = fmt.Fprintln(p.out, "\n[stopped]")
		return nil
	}
	return err
}

func (p *printer) update(u client.Update) {
	answer := u.Turn.Answer
	if len(answer) > p.printed {
		_, _ = io.WriteString(p.out, answer[p.printed:])
		p.printed = len(answer)
	}
	if !u.Done {
		return
	}
	_, _ = fmt.Fprintln(p.out)

	if p.renderer == nil || u.Err != nil {
		return
	}
	html, err := p.renderer.Render(u.Segments)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	_, _ = fmt.Fprintln(p.out, html)
}
