package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/domain"
)

const (
	missingKeyNotice = "Please input your OpenAI API key with /key."
	uploadToast      = "File was updated successfully."
)

var consoleCommands = []string{"key", "model", "temperature", "upload", "remove", "clear", "state", "help", "quit"}

var (
	noticeColor = color.New(color.FgYellow)
	toastColor  = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed)
	dimColor    = color.New(color.Faint)
	promptColor = color.New(color.FgCyan, color.Bold)
)

// console drives one chat session from a line editor.
type console struct {
	ctrl    *chat.Controller
	session *chat.Session
	editor  lineEditor
	models  []string
	creds   domain.Credentials
}

func newConsole(ctrl *chat.Controller, session *chat.Session, editor lineEditor, models []string, creds domain.Credentials) *console {
	return &console{
		ctrl:    ctrl,
		session: session,
		editor:  editor,
		models:  models,
		creds:   creds,
	}
}

func (c *console) out() io.Writer {
	return c.editor.Output()
}

// Run reads lines until EOF or /quit.
func (c *console) Run(ctx context.Context) error {
	c.printBanner()
	prompt := promptColor.Sprint("you> ")
	for {
		line, err := c.editor.ReadLine(prompt)
		switch {
		case errors.Is(err, errInputEOF):
			return nil
		case errors.Is(err, errInputInterrupt):
			continue
		case err != nil:
			return err
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				errorColor.Fprintln(c.out(), err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		if err := c.send(ctx, line); err != nil {
			errorColor.Fprintln(c.out(), err.Error())
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *console) printBanner() {
	dimColor.Fprintln(c.out(), "Type a question, or /help for commands.")
	if c.ctrl.State(c.session) == chat.StateNoCredentials {
		noticeColor.Fprintln(c.out(), missingKeyNotice)
	}
}

func (c *console) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		c.printHelp()
	case "key":
		key := arg
		if key == "" {
			var err error
			key, err = c.editor.ReadSecret("OpenAI API key: ")
			if err != nil {
				return false, err
			}
		}
		c.creds.APIKey = key
		return false, c.applyCredentials(ctx)
	case "model":
		if arg == "" {
			fmt.Fprintf(c.out(), "model: %s (available: %s)\n", c.creds.Model, strings.Join(c.models, ", "))
			return false, nil
		}
		if !slices.Contains(c.models, arg) {
			return false, fmt.Errorf("unsupported model %q", arg)
		}
		c.creds.Model = arg
		return false, c.applyCredentials(ctx)
	case "temperature":
		t, err := strconv.ParseFloat(arg, 64)
		if err != nil || t < 0 || t > 2 {
			return false, errors.New("temperature must be a number between 0 and 2")
		}
		c.creds.Temperature = t
		return false, c.applyCredentials(ctx)
	case "upload":
		return false, c.upload(ctx, arg)
	case "remove":
		changed, err := c.ctrl.RemoveDataset(ctx, c.session)
		if err != nil {
			return false, err
		}
		if changed {
			toastColor.Fprintln(c.out(), uploadToast)
		}
	case "clear":
		if err := c.ctrl.ClearHistory(c.session); err != nil {
			return false, err
		}
		dimColor.Fprintln(c.out(), "History cleared.")
	case "state":
		c.printState()
	default:
		return false, fmt.Errorf("unknown command /%s, try /help", name)
	}
	return false, nil
}

// applyCredentials pushes the current credentials once a key is known.
func (c *console) applyCredentials(ctx context.Context) error {
	if c.creds.APIKey == "" {
		noticeColor.Fprintln(c.out(), missingKeyNotice)
		return nil
	}
	if err := c.ctrl.SetCredentials(ctx, c.session, c.creds); err != nil {
		return err
	}
	dimColor.Fprintf(c.out(), "Using %s (temperature %.2f).\n", c.creds.Model, c.creds.Temperature)
	return nil
}

func (c *console) upload(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /upload <file.csv>")
	}
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		return errors.New("only .csv files are supported")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	changed, err := c.ctrl.UploadDataset(ctx, c.session, chat.NewUpload(filepath.Base(path), data))
	if err != nil {
		return err
	}
	if changed {
		toastColor.Fprintln(c.out(), uploadToast)
	}
	return nil
}

// send streams one reply. Ctrl-C stops the stream without leaving the console.
func (c *console) send(ctx context.Context, text string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	reply, err := c.ctrl.Send(turnCtx, c.session, text)
	switch {
	case errors.Is(err, chat.ErrMissingCredential):
		noticeColor.Fprintln(c.out(), missingKeyNotice)
		return nil
	case err != nil:
		return err
	}

	w := c.out()
	for chunk := range reply.Stream.Chunks(turnCtx) {
		if reply.Err != nil {
			errorColor.Fprint(w, chunk)
			continue
		}
		fmt.Fprint(w, chunk)
	}
	fmt.Fprintln(w)
	if reply.Result != nil && len(reply.Result.ToolCalls) > 0 {
		dimColor.Fprintf(w, "(%d tool calls)\n", len(reply.Result.ToolCalls))
	}
	return nil
}

func (c *console) printState() {
	snap := c.ctrl.Snapshot(c.session)
	w := c.out()
	fmt.Fprintf(w, "state:   %s\n", snap.State)
	fmt.Fprintf(w, "model:   %s\n", c.creds.Model)
	if snap.Dataset != nil {
		fmt.Fprintf(w, "dataset: %s -> table %s (%d rows, columns: %s)\n",
			snap.Dataset.FileName, snap.Dataset.Table, snap.Dataset.Rows, strings.Join(snap.Dataset.ColumnNames(), ", "))
	} else {
		fmt.Fprintln(w, "dataset: none")
	}
	if len(snap.Tools) > 0 {
		fmt.Fprintf(w, "tools:   %s\n", strings.Join(snap.Tools, ", "))
	}
	fmt.Fprintf(w, "turns:   %d (memory %d)\n", len(snap.Turns), snap.MemoryTurns)
}

func (c *console) printHelp() {
	w := c.out()
	fmt.Fprintln(w, "/key [key]          set the OpenAI API key (prompts when omitted)")
	fmt.Fprintln(w, "/model [name]       show or select the model")
	fmt.Fprintln(w, "/temperature <t>    set the sampling temperature")
	fmt.Fprintln(w, "/upload <file.csv>  load a dataset for SQL questions")
	fmt.Fprintln(w, "/remove             remove the dataset")
	fmt.Fprintln(w, "/clear              clear the conversation")
	fmt.Fprintln(w, "/state              show the session state")
	fmt.Fprintln(w, "/quit               exit")
}
