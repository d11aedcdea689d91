// ABOUTME: PTY transport: spawns a local agent process on a pseudo-terminal.
// ABOUTME: The pty file is the duplex stream; closing it hangs up the process.

package connector

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// ptyKillGrace is how long a spawned process gets after hangup before it
// is killed outright.
const ptyKillGrace = 2 * time.Second

// ptyDialer starts params.Command on a pseudo-terminal in params.Dir.
// There is no remote endpoint; "dialing" is spawning the process.
func ptyDialer(params Params) dialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		cmd := exec.Command(params.Command[0], params.Command[1:]...)
		cmd.Dir = params.Dir

		f, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		return &ptyStream{f: f, cmd: cmd}, nil
	}
}

// ptyStream wraps the pty file and owns the child process lifecycle.
type ptyStream struct {
	f   *os.File
	cmd *exec.Cmd
}

func (p *ptyStream) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyStream) Write(b []byte) (int, error) { return p.f.Write(b) }

// Close hangs up the terminal and reaps the child. The process gets a
// grace period to exit on SIGHUP before being killed.
func (p *ptyStream) Close() error {
	err := p.f.Close()

	if p.cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_ = p.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(ptyKillGrace):
			_ = p.cmd.Process.Kill()
			<-done
		}
	}
	return err
}
