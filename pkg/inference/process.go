package inference

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/lemonade-sdk/lemonade-server/pkg/logging"
)

// shutdownGrace is how long Shutdown waits after the termination signal
// before force-killing the subprocess.
const shutdownGrace = 5 * time.Second

// Process is a supervised backend subprocess. A dedicated reader goroutine
// owns the combined output stream and fans each line out to the caller; a
// supervisor goroutine joins the OS process and posts its exit via Done.
type Process struct {
	log       logging.Logger
	cmd       *exec.Cmd
	family    Family
	port      uint16
	startedAt time.Time

	// done is closed once the process has fully exited and its streams are
	// drained. exitErr is only valid after done is closed.
	done    chan struct{}
	exitErr error
}

// StartProcess launches cmd with combined stdout+stderr capture. Each output
// line is passed to onLine (may be nil) and logged at debug level.
func StartProcess(log logging.Logger, family Family, port uint16, cmd *exec.Cmd, onLine func(string)) (*Process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return nil, err
	}

	p := &Process{
		log:       log,
		cmd:       cmd,
		family:    family,
		port:      port,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	linesDrained := make(chan struct{})
	go func() {
		defer close(linesDrained)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			log.Debugf("%s: %s", family, line)
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	go func() {
		<-linesDrained
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Port returns the bound local port.
func (p *Process) Port() uint16 {
	return p.port
}

// Family returns the backend family.
func (p *Process) Family() Family {
	return p.family
}

// StartedAt returns the launch time.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done returns a channel closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has already exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the process exit error. Only valid once Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Shutdown sends a graceful termination signal, waits a bounded time, then
// force-kills. It returns once the process has fully exited and its output
// streams are drained.
func (p *Process) Shutdown() {
	if p.cmd.Process != nil && !p.Exited() {
		if runtime.GOOS == "windows" {
			p.cmd.Process.Kill()
		} else if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			p.cmd.Process.Kill()
		}
	}
	select {
	case <-p.done:
	case <-time.After(shutdownGrace):
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.done
	}
}
