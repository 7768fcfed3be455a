package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

var (
	errInputInterrupt = errors.New("tabletalk: input interrupted")
	errInputEOF       = errors.New("tabletalk: input eof")
)

type lineEditor interface {
	ReadLine(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
	Output() io.Writer
	Close() error
}

type lineEditorConfig struct {
	HistoryFile string
	Commands    []string
}

func newLineEditor(cfg lineEditorConfig) lineEditor {
	if isTTY(os.Stdin) && isTTY(os.Stdout) {
		return newLinerEditor(cfg)
	}
	return &stdioEditor{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
}

func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

type linerEditor struct {
	state       *liner.State
	historyFile string
}

func newLinerEditor(cfg lineEditorConfig) *linerEditor {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	commands := make([]string, 0, len(cfg.Commands))
	for _, cmd := range cfg.Commands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			commands = append(commands, "/"+cmd)
		}
	}
	state.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}
		return out
	})

	e := &linerEditor{state: state, historyFile: strings.TrimSpace(cfg.HistoryFile)}
	if e.historyFile != "" {
		if f, err := os.Open(e.historyFile); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}
	return e
}

func (e *linerEditor) ReadLine(prompt string) (string, error) {
	line, err := e.state.Prompt(prompt)
	if err != nil {
		return "", translateLinerErr(err)
	}
	line = strings.TrimSpace(line)
	if line != "" {
		e.state.AppendHistory(line)
	}
	return line, nil
}

func (e *linerEditor) ReadSecret(prompt string) (string, error) {
	text, err := e.state.PasswordPrompt(prompt)
	if err != nil {
		return "", translateLinerErr(err)
	}
	return strings.TrimSpace(text), nil
}

func translateLinerErr(err error) error {
	switch {
	case errors.Is(err, liner.ErrPromptAborted):
		return errInputInterrupt
	case errors.Is(err, io.EOF):
		return errInputEOF
	default:
		return err
	}
}

func (e *linerEditor) Output() io.Writer {
	return os.Stdout
}

func (e *linerEditor) Close() error {
	if e.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(e.historyFile), 0o755); err == nil {
			if f, err := os.Create(e.historyFile); err == nil {
				_, _ = e.state.WriteHistory(f)
				_ = f.Close()
			}
		}
	}
	return e.state.Close()
}

type stdioEditor struct {
	reader *bufio.Reader
	out    io.Writer
}

func (s *stdioEditor) ReadLine(prompt string) (string, error) {
	if s == nil || s.reader == nil {
		return "", errInputEOF
	}
	_, _ = fmt.Fprint(s.Output(), prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line = strings.TrimSpace(line); line != "" {
				return line, nil
			}
			return "", errInputEOF
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *stdioEditor) ReadSecret(prompt string) (string, error) {
	return s.ReadLine(prompt)
}

func (s *stdioEditor) Output() io.Writer {
	if s == nil || s.out == nil {
		return os.Stdout
	}
	return s.out
}

func (s *stdioEditor) Close() error {
	return nil
}
