package processtool

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// cappedBuffer keeps the first limit bytes written to it. Writes past the
// limit are swallowed so the child never blocks on a full pipe; the first
// overflow fires onOverflow once.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed bool
	onOverflow func()
}

func newCappedBuffer(limit int, onOverflow func()) *cappedBuffer {
	return &cappedBuffer{limit: limit, onOverflow: onOverflow}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	room := c.limit - c.buf.Len()
	if c.limit <= 0 {
		room = len(p)
	}
	fire := false
	if room >= len(p) {
		c.buf.Write(p)
	} else {
		if room > 0 {
			c.buf.Write(p[:room])
		}
		if !c.overflowed {
			c.overflowed = true
			fire = c.onOverflow != nil
		}
	}
	c.mu.Unlock()

	if fire {
		c.onOverflow()
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

func (c *cappedBuffer) Overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflowed
}

// lockedWriter serializes chunk writes from the stdout and stderr copiers.
// Once the destination fails, further writes are dropped and the error kept.
type lockedWriter struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return len(p), nil
	}
	if _, err := l.w.Write(p); err != nil {
		l.err = err
		return len(p), nil
	}
	if f, ok := l.w.(interface{ Flush() }); ok {
		f.Flush()
	}
	return len(p), nil
}

func (l *lockedWriter) WriteString(s string) {
	_, _ = l.Write([]byte(s))
}

func (l *lockedWriter) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// childPipes carries a child's stdout and stderr over os.Pipe so Wait
// returns when the child exits rather than when the last holder of the pipe
// closes it. Background children of a shell otherwise keep Wait blocked.
type childPipes struct {
	reads  []*os.File
	writes []*os.File
	wg     sync.WaitGroup
}

func attachPipes(cmd *exec.Cmd, stdout, stderr io.Writer) (*childPipes, error) {
	p := &childPipes{}
	for _, dst := range []io.Writer{stdout, stderr} {
		r, w, err := os.Pipe()
		if err != nil {
			p.abort()
			return nil, err
		}
		p.reads = append(p.reads, r)
		p.writes = append(p.writes, w)
		p.wg.Add(1)
		go func(dst io.Writer, r *os.File) {
			defer p.wg.Done()
			_, _ = io.Copy(dst, r)
		}(dst, r)
	}
	cmd.Stdout = p.writes[0]
	cmd.Stderr = p.writes[1]
	return p, nil
}

// started drops the parent's write ends; the child has its own copies
func (p *childPipes) started() {
	for _, w := range p.writes {
		_ = w.Close()
	}
	p.writes = nil
}

// abort releases the pipes of a child that never started
func (p *childPipes) abort() {
	p.started()
	p.wait(0)
}

// wait lets the copiers reach EOF. A descendant that left the process group
// can hold a pipe open, so after timeout the read ends are closed anyway.
func (p *childPipes) wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if timeout > 0 {
		select {
		case <-done:
			return
		case <-time.After(timeout):
		}
	}
	for _, r := range p.reads {
		_ = r.Close()
	}
	<-done
}
