package protocol

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	submitted []string
	copies    int
	spool     string
	cancelled []int64
	submitErr error
	cancelErr error
}

func (f *fakeSink) Submit(printer string, copies int, spoolPath string) (int64, error) {
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.submitted = append(f.submitted, printer)
	f.copies = copies
	f.spool = spoolPath
	return 42, nil
}

func (f *fakeSink) Cancel(id int64) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeSink) StatusLines() []string {
	return []string{"printer deskjet idle", "job 7 pending"}
}

func TestPrintSubmitsSpooledData(t *testing.T) {
	sink := &fakeSink{}
	c := NewConn(t.TempDir())

	resp, closeAfter, err := c.Feed([]byte("PRINT deskjet 2 5\nhello"), sink)
	require.NoError(t, err)
	assert.False(t, closeAfter)
	assert.Equal(t, "OK 42\n", string(resp))

	require.Equal(t, []string{"deskjet"}, sink.submitted)
	assert.Equal(t, 2, sink.copies)

	data, err := os.ReadFile(sink.spool)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPrintDataArrivesInPieces(t *testing.T) {
	sink := &fakeSink{}
	c := NewConn(t.TempDir())

	resp, _, err := c.Feed([]byte("PRINT deskjet 1 11\nhel"), sink)
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.Empty(t, sink.submitted)

	resp, _, err = c.Feed([]byte("lo wo"), sink)
	require.NoError(t, err)
	assert.Empty(t, resp)

	resp, _, err = c.Feed([]byte("rldSTATUS ignored until newline"), sink)
	require.NoError(t, err)
	assert.Equal(t, "OK 42\n", string(resp))

	data, err := os.ReadFile(sink.spool)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestCancel(t *testing.T) {
	sink := &fakeSink{}
	c := NewConn(t.TempDir())

	resp, _, err := c.Feed([]byte("CANCEL 7\n"), sink)
	require.NoError(t, err)
	assert.Equal(t, "OK 7\n", string(resp))
	assert.Equal(t, []int64{7}, sink.cancelled)

	sink.cancelErr = errors.New("job not found")
	resp, _, err = c.Feed([]byte("CANCEL 8\n"), sink)
	require.NoError(t, err)
	assert.Equal(t, "ERR job not found\n", string(resp))
}

func TestStatus(t *testing.T) {
	c := NewConn(t.TempDir())

	resp, _, err := c.Feed([]byte("STATUS\n"), &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, "printer deskjet idle\njob 7 pending\n.\n", string(resp))
}

func TestQuitRequestsClose(t *testing.T) {
	c := NewConn(t.TempDir())

	resp, closeAfter, err := c.Feed([]byte("QUIT\n"), &fakeSink{})
	require.NoError(t, err)
	assert.True(t, closeAfter)
	assert.Equal(t, "OK bye\n", string(resp))
}

func TestBadRequests(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"FROB\n", `ERR unknown command "FROB"` + "\n"},
		{"PRINT deskjet\n", "ERR usage: PRINT <printer> <copies> <size>\n"},
		{"PRINT deskjet zero 5\n", `ERR invalid copies "zero"` + "\n"},
		{"PRINT deskjet 1 -3\n", `ERR invalid size "-3"` + "\n"},
		{"CANCEL seven\n", `ERR invalid job id "seven"` + "\n"},
	}

	for _, tt := range tests {
		c := NewConn(t.TempDir())
		resp, closeAfter, err := c.Feed([]byte(tt.in), &fakeSink{})
		require.NoError(t, err, tt.in)
		assert.False(t, closeAfter)
		assert.Equal(t, tt.want, string(resp), tt.in)
	}
}

func TestOverlongLineDropsClient(t *testing.T) {
	c := NewConn(t.TempDir())

	big := make([]byte, MaxLineLen+10)
	for i := range big {
		big[i] = 'a'
	}

	_, closeAfter, err := c.Feed(big, &fakeSink{})
	assert.True(t, closeAfter)
	assert.Error(t, err)
}

func TestSubmitFailureCleansSpool(t *testing.T) {
	sink := &fakeSink{submitErr: errors.New("printer not found")}
	dir := t.TempDir()
	c := NewConn(dir)

	resp, _, err := c.Feed([]byte("PRINT ghost 1 2\nhi"), sink)
	require.NoError(t, err)
	assert.Equal(t, "ERR printer not found\n", string(resp))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessable(t *testing.T) {
	c := NewConn(t.TempDir())
	assert.False(t, c.Processable())

	// Leftover partial line after a greedy Feed: nothing to act on.
	_, _, err := c.Feed([]byte("STATUS\nCANC"), &fakeSink{})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Buffered())
	assert.False(t, c.Processable())

	// A buffered complete line is processable.
	c.buf.WriteString("EL 3\nEXTRA")
	assert.True(t, c.Processable())

	// Job data owed to the spool file is processable.
	d := NewConn(t.TempDir())
	_, _, err = d.Feed([]byte("PRINT p 1 10\n"), &fakeSink{})
	require.NoError(t, err)
	assert.False(t, d.Processable())
	d.buf.WriteString("abc")
	assert.True(t, d.Processable())
}

func TestAbortRemovesPartialSpool(t *testing.T) {
	dir := t.TempDir()
	c := NewConn(dir)

	_, _, err := c.Feed([]byte("PRINT deskjet 1 100\npartial"), &fakeSink{})
	require.NoError(t, err)

	c.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
