package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Command runs a local transcription program once per job. Args may use
// the placeholders {audio}, {model} and {language}. The program writes its
// JSON Result on stdout and progress on stderr, which is streamed line by
// line to the job log.
type Command struct {
	Path      string
	Args      []string
	WaitDelay time.Duration
}

// NewCommand builds a Command from argv; argv[0] is the program.
func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("engine: empty command")
	}
	return &Command{Path: argv[0], Args: argv[1:], WaitDelay: 5 * time.Second}, nil
}

func (c *Command) expand(audioPath string, p Params) []string {
	r := strings.NewReplacer("{audio}", audioPath, "{model}", p.Model, "{language}", p.Language)
	out := make([]string, len(c.Args))
	for i, a := range c.Args {
		out[i] = r.Replace(a)
	}
	return out
}

func (c *Command) Transcribe(ctx context.Context, audioPath string, p Params, logf LogFunc) (*Result, error) {
	logf = logOrNop(logf)
	cmd := exec.CommandContext(ctx, c.Path, c.expand(audioPath, p)...)
	// SIGTERM first so the engine can flush; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = c.WaitDelay

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start %s: %w", c.Path, err)
	}

	var tail []string
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		logf(line)
		tail = append(tail, line)
		if len(tail) > 5 {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Engine: c.Path, Msg: fmt.Sprintf("%v: %s", err, strings.Join(tail, " | "))}
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, &Error{Engine: c.Path, Msg: "invalid JSON output: " + err.Error()}
	}
	return &res, nil
}
