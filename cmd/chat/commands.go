package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"taxgpt-api/internal/conversation"
	"taxgpt-api/internal/model"
)

const commandTimeout = 2 * time.Minute

// handleCommand runs one slash command. It returns false when the client should exit.
func (a *app) handleCommand(input string) (bool, error) {
	tokens, err := shellquote.Split(input)
	if err != nil {
		return true, fmt.Errorf("invalid command: %w", err)
	}
	if len(tokens) == 0 {
		return true, nil
	}
	command := strings.ToLower(tokens[0])
	args := tokens[1:]

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch command {
	case "/help", "/h", "/?", "/":
		a.printHelp()
	case "/quit", "/q", "/exit":
		return false, nil
	case "/clear", "/c":
		a.session.Clear()
		a.infof("[Conversation cleared]")
	case "/scenarios":
		return true, a.listScenarios(ctx)
	case "/load":
		if len(args) != 1 {
			return true, errors.New("usage: /load <single|married|freelancer>")
		}
		data, err := a.api.TaxData(ctx, args[0])
		if err != nil {
			return true, err
		}
		a.session.Propose(data, args[0])
		a.showPending()
	case "/confirm":
		if !a.session.Confirm() {
			return true, errors.New("no tax data is waiting for confirmation")
		}
		a.printLast()
	case "/cancel":
		if !a.session.Cancel() {
			return true, errors.New("no tax data is waiting for confirmation")
		}
		a.printLast()
	case "/data":
		a.showActive()
	case "/upload":
		if len(args) != 1 {
			return true, errors.New("usage: /upload <file.pdf>")
		}
		return true, a.upload(ctx, args[0])
	case "/form":
		data, ok := a.session.TaxData()
		if !ok {
			return true, errors.New("no tax data loaded; use /load or ask the assistant for it")
		}
		summary, err := a.api.GenerateForm(ctx, data)
		if err != nil {
			return true, err
		}
		fmt.Fprintln(a.out, summary)
	case "/pdf":
		out := ""
		if len(args) > 0 {
			out = args[0]
		}
		return true, a.recommendationsPDF(ctx, out)
	case "/return":
		out := ""
		if len(args) > 0 {
			out = args[0]
		}
		return true, a.taxReturnPDF(ctx, out)
	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

func (a *app) printHelp() {
	rows := [][2]string{
		{"/scenarios", "List the sample tax profiles"},
		{"/load <scenario>", "Fetch a sample profile for confirmation"},
		{"/confirm", "Use the pending tax data for the next questions"},
		{"/cancel", "Dismiss the pending tax data"},
		{"/data", "Show the tax data in use"},
		{"/upload <file.pdf>", "Extract figures from a salary statement or receipt"},
		{"/form", "Write a narrative summary of the loaded tax data"},
		{"/pdf [out.pdf]", "Save the conversation as a recommendations PDF"},
		{"/return [out.pdf]", "Save the loaded tax data as a tax return PDF"},
		{"/clear", "Start a new conversation"},
		{"/quit", "Exit"},
	}
	for _, r := range rows {
		fmt.Fprintf(a.out, "  %s  %s\n", commandStyle.Render(fmt.Sprintf("%-20s", r[0])), r[1])
	}
}

func (a *app) printLast() {
	msgs := a.session.Messages()
	if len(msgs) == 0 {
		return
	}
	fmt.Fprintln(a.out, assistantStyle.Render("assistant> ")+msgs[len(msgs)-1].Content)
}

func (a *app) listScenarios(ctx context.Context) error {
	scenarios, err := a.api.Scenarios(ctx)
	if err != nil {
		return err
	}
	for _, s := range scenarios {
		fmt.Fprintf(a.out, "  %s  %s: %s (%s)\n",
			commandStyle.Render(fmt.Sprintf("%-12s", s.ID)), s.Name, s.Description, conversation.FormatCHF(s.Income))
	}
	return nil
}

func (a *app) showActive() {
	data, ok := a.session.TaxData()
	if !ok {
		a.infof("No tax data loaded.")
		return
	}
	p := data.PersonalInfo
	fmt.Fprintf(a.out, "  %s %s, %s (tax year %d)\n", p.FirstName, p.LastName, p.Municipality, data.TaxYear)
	fmt.Fprintf(a.out, "  Income      %s\n", conversation.FormatCHF(data.Income.Total()))
	fmt.Fprintf(a.out, "  Deductions  %s\n", conversation.FormatCHF(data.Deductions.Total()))
	fmt.Fprintf(a.out, "  Wealth      %s\n", conversation.FormatCHF(data.Wealth.Total()))
}

func (a *app) upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := a.api.UploadPDF(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("extraction failed: %s", res.Error)
	}
	a.infof("%s: %d page(s), %d characters of text", res.FileName, res.NumPages, len(res.Text))
	if x := res.ExtractedData; x != nil {
		if x.Income != nil && x.Income.Employment > 0 {
			fmt.Fprintf(a.out, "  Gross salary        %s\n", conversation.FormatCHF(x.Income.Employment))
		}
		if x.Deductions != nil {
			if x.Deductions.Pillar3a > 0 {
				fmt.Fprintf(a.out, "  Pension (BVG)       %s\n", conversation.FormatCHF(x.Deductions.Pillar3a))
			}
			if x.Deductions.HealthcareExpenses > 0 {
				fmt.Fprintf(a.out, "  Health insurance    %s\n", conversation.FormatCHF(x.Deductions.HealthcareExpenses))
			}
		}
	}
	return nil
}

func (a *app) recommendationsPDF(ctx context.Context, out string) error {
	doc, err := a.api.RecommendationsPDF(ctx, a.session.Messages(), a.activeTaxData())
	if err != nil {
		return err
	}
	return a.save(doc.FileName, out, doc.Data)
}

func (a *app) taxReturnPDF(ctx context.Context, out string) error {
	data, ok := a.session.TaxData()
	if !ok {
		return errors.New("no tax data loaded; use /load or ask the assistant for it")
	}
	doc, err := a.api.TaxReturnPDF(ctx, data)
	if err != nil {
		return err
	}
	return a.save(doc.FileName, out, doc.Data)
}

func (a *app) activeTaxData() *model.TaxData {
	data, ok := a.session.TaxData()
	if !ok {
		return nil
	}
	return &data
}

func (a *app) save(name, out string, data []byte) error {
	if out == "" {
		out = filepath.Base(name)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return err
	}
	a.infof("Saved %s (%d bytes)", out, len(data))
	return nil
}
