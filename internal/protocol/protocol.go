// Package protocol implements the line-oriented client protocol the
// scheduler speaks on its listeners.
//
// Requests are single lines:
//
//	PRINT <printer> <copies> <size>   followed by <size> bytes of job data
//	CANCEL <job-id>
//	STATUS
//	QUIT
//
// Responses are "OK …" or "ERR …" lines; STATUS returns one line per
// printer and job terminated by a lone ".".
package protocol

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxLineLen bounds a request line.
const MaxLineLen = 1024

// MaxJobBytes bounds a single submission.
const MaxJobBytes = 512 << 20

// Sink is the scheduler-side surface the protocol dispatches into.
type Sink interface {
	// Submit enqueues a spooled file and returns the job ID.
	Submit(printer string, copies int, spoolPath string) (int64, error)
	// Cancel cancels a job by ID.
	Cancel(id int64) error
	// StatusLines lists printers and jobs for STATUS.
	StatusLines() []string
}

type phase int

const (
	phaseCommand phase = iota
	phaseData
)

// Conn is the per-client protocol state machine. It consumes whatever
// bytes the scheduler read and yields response bytes to queue for
// writing.
type Conn struct {
	spoolDir string

	buf   bytes.Buffer
	phase phase

	// pending PRINT being received
	printer string
	copies  int
	want    int64
	spool   *os.File
}

func NewConn(spoolDir string) *Conn {
	return &Conn{spoolDir: spoolDir}
}

// Feed consumes data. The returned response bytes are queued on the
// client's write side; closeAfter requests connection teardown once the
// response drains. A non-nil error means the connection is broken and
// must be dropped.
func (c *Conn) Feed(data []byte, sink Sink) (resp []byte, closeAfter bool, err error) {
	c.buf.Write(data)

	var out bytes.Buffer
	for {
		switch c.phase {
		case phaseCommand:
			line, ok := c.takeLine()
			if !ok {
				if c.buf.Len() > MaxLineLen {
					return out.Bytes(), true, errors.New("request line too long")
				}
				return out.Bytes(), false, nil
			}

			done, err := c.dispatch(line, sink, &out)
			if err != nil {
				return out.Bytes(), true, err
			}
			if done {
				return out.Bytes(), true, nil
			}

		case phaseData:
			if err := c.drainJobData(); err != nil {
				return out.Bytes(), true, err
			}
			if c.want > 0 {
				return out.Bytes(), false, nil
			}
			c.finishSubmit(sink, &out)
		}
	}
}

// Buffered reports unconsumed input bytes.
func (c *Conn) Buffered() int { return c.buf.Len() }

// Processable reports whether the buffered input can advance the parser
// without more bytes from the peer: a complete command line, or job data
// still owed to the spool file. The scheduler's zero-timeout fast path
// keys off this rather than raw buffer occupancy, since a half-received
// line cannot be acted on yet.
func (c *Conn) Processable() bool {
	if c.phase == phaseData {
		return c.want > 0 && c.buf.Len() > 0
	}
	return bytes.IndexByte(c.buf.Bytes(), '\n') >= 0
}

// Abort releases any half-received spool file when the client goes away.
func (c *Conn) Abort() {
	if c.spool != nil {
		name := c.spool.Name()
		c.spool.Close()
		os.Remove(name)
		c.spool = nil
	}
	c.phase = phaseCommand
}

func (c *Conn) takeLine() (string, bool) {
	raw := c.buf.Bytes()
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(raw[:idx])
	c.buf.Next(idx + 1)
	return strings.TrimRight(line, "\r"), true
}

func (c *Conn) dispatch(line string, sink Sink, out *bytes.Buffer) (closeAfter bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch strings.ToUpper(fields[0]) {
	case "PRINT":
		return false, c.beginSubmit(fields, out)

	case "CANCEL":
		if len(fields) != 2 {
			fmt.Fprintf(out, "ERR usage: CANCEL <job-id>\n")
			return false, nil
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			fmt.Fprintf(out, "ERR invalid job id %q\n", fields[1])
			return false, nil
		}
		if err := sink.Cancel(id); err != nil {
			fmt.Fprintf(out, "ERR %s\n", err)
			return false, nil
		}
		fmt.Fprintf(out, "OK %d\n", id)
		return false, nil

	case "STATUS":
		for _, l := range sink.StatusLines() {
			out.WriteString(l)
			out.WriteByte('\n')
		}
		out.WriteString(".\n")
		return false, nil

	case "QUIT":
		out.WriteString("OK bye\n")
		return true, nil

	default:
		fmt.Fprintf(out, "ERR unknown command %q\n", fields[0])
		return false, nil
	}
}

func (c *Conn) beginSubmit(fields []string, out *bytes.Buffer) error {
	if len(fields) != 4 {
		out.WriteString("ERR usage: PRINT <printer> <copies> <size>\n")
		return nil
	}

	copies, err := strconv.Atoi(fields[2])
	if err != nil || copies < 1 {
		fmt.Fprintf(out, "ERR invalid copies %q\n", fields[2])
		return nil
	}

	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil || size < 0 || size > MaxJobBytes {
		fmt.Fprintf(out, "ERR invalid size %q\n", fields[3])
		return nil
	}

	spool, err := os.CreateTemp(c.spoolDir, "d*.spool")
	if err != nil {
		return errors.Wrap(err, "create spool file")
	}

	c.printer = fields[1]
	c.copies = copies
	c.want = size
	c.spool = spool
	c.phase = phaseData
	return nil
}

func (c *Conn) drainJobData() error {
	if c.want <= 0 {
		return nil
	}

	n := int64(c.buf.Len())
	if n > c.want {
		n = c.want
	}
	if n == 0 {
		return nil
	}

	if _, err := c.spool.Write(c.buf.Next(int(n))); err != nil {
		c.Abort()
		return errors.Wrap(err, "write spool file")
	}
	c.want -= n
	return nil
}

func (c *Conn) finishSubmit(sink Sink, out *bytes.Buffer) {
	path := c.spool.Name()
	c.spool.Close()
	c.spool = nil
	c.phase = phaseCommand

	id, err := sink.Submit(c.printer, c.copies, path)
	if err != nil {
		os.Remove(path)
		fmt.Fprintf(out, "ERR %s\n", err)
		return
	}
	fmt.Fprintf(out, "OK %d\n", id)
}

// SpoolPath is where a job's data file lives under dir.
func SpoolPath(dir string, jobID int64) string {
	return filepath.Join(dir, fmt.Sprintf("d%05d", jobID))
}
