package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/lipgloss"
)

var adapterColors = map[string]string{
	"telegram": "6",
	"whatsapp": "2",
	"discord":  "5",
	"slack":    "3",
}

var stderrMark = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("!")

// Prefix renders the colored "[NAME]" tag put in front of adapter output.
func Prefix(name string) string {
	color, ok := adapterColors[strings.ToLower(name)]
	if !ok {
		color = "7"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true).Render("[" + strings.ToUpper(name) + "]")
}

// ExecSpawner starts adapters as child processes and relays their output
// line by line to Output.
type ExecSpawner struct {
	Env    []string
	Output io.Writer
}

func (s ExecSpawner) Spawn(spec Spec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = filepath.Dir(spec.Path)
	cmd.Env = append(os.Environ(), s.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open adapter stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open adapter stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start adapter %s: %w", spec.Name, err)
	}

	out := s.Output
	if out == nil {
		out = os.Stdout
	}
	relay := &lineRelay{out: out, prefix: Prefix(spec.Name)}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.copy(stdout, "")
	}()
	go func() {
		defer wg.Done()
		relay.copy(stderr, stderrMark+" ")
	}()
	go func() {
		wg.Wait()
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// lineRelay writes prefixed lines from several streams without interleaving
// partial lines.
type lineRelay struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
}

func (r *lineRelay) copy(src io.Reader, mark string) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.mu.Lock()
		fmt.Fprintf(r.out, "%s %s%s\n", r.prefix, mark, line)
		r.mu.Unlock()
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	return p.err
}

func (p *execProcess) Terminate() error {
	return ignoreDone(p.cmd.Process.Signal(syscall.SIGTERM))
}

func (p *execProcess) Kill() error {
	return ignoreDone(p.cmd.Process.Kill())
}

func ignoreDone(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
