package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/Kocoro-lab/deepresearch/internal/plan"
	"github.com/Kocoro-lab/deepresearch/internal/review"
)

const (
	choiceAccept = iota
	choiceEdit
)

var reviewChoices = []string{"Accept plan", "Request changes"}

// terminalReviewer asks the user at the terminal to accept or revise each
// plan. choose and ask default to promptui and are swapped out in tests.
type terminalReviewer struct {
	out    io.Writer
	render func(string) string
	choose func(label string, items []string) (int, error)
	ask    func(label string) (string, error)
}

func newTerminalReviewer(out io.Writer, render func(string) string) *terminalReviewer {
	return &terminalReviewer{
		out:    out,
		render: render,
		choose: func(label string, items []string) (int, error) {
			idx, _, err := (&promptui.Select{Label: label, Items: items}).Run()
			return idx, err
		},
		ask: func(label string) (string, error) {
			return (&promptui.Prompt{Label: label}).Run()
		},
	}
}

func (t *terminalReviewer) Review(ctx context.Context, runID string, p *plan.Plan) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintln(t.out)
	fmt.Fprint(t.out, t.render(planMarkdown(p)))

	idx, err := t.choose(fmt.Sprintf("Review plan for run %s", runID), reviewChoices)
	if err != nil {
		return "", promptError(err)
	}
	comment := ""
	if idx == choiceEdit {
		comment, err = t.ask("What should change")
		if err != nil {
			return "", promptError(err)
		}
	}
	return verdict(idx, comment), nil
}

// verdict encodes a choice in the feedback protocol the engine parses.
func verdict(choice int, comment string) string {
	comment = strings.TrimSpace(comment)
	token := review.TokenAccepted
	if choice == choiceEdit {
		token = review.TokenEditPlan
	}
	if comment == "" {
		return token
	}
	return token + " " + comment
}

func promptError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return fmt.Errorf("plan review aborted: %w", context.Canceled)
	}
	return fmt.Errorf("plan review prompt: %w", err)
}
