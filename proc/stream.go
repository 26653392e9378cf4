package proc

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/teranos/kiln/logger"
	"github.com/teranos/kiln/proc/logsink"
)

// outputPipes connects a child's stdout and stderr to the engine. The
// engine owns both ends, so it can stop reading once the process is gone
// even if a grandchild still holds the write ends.
type outputPipes struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	writeOnce, readOnce sync.Once
}

func openPipes() (*outputPipes, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	return &outputPipes{stdoutR: outR, stdoutW: outW, stderrR: errR, stderrW: errW}, nil
}

func (p *outputPipes) closeWrite() {
	p.writeOnce.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
	})
}

// closeRead unblocks any reader still waiting on the pipes
func (p *outputPipes) closeRead() {
	p.readOnce.Do(func() {
		p.stdoutR.Close()
		p.stderrR.Close()
	})
}

func (p *outputPipes) closeAll() {
	p.closeWrite()
	p.closeRead()
}

// capture reads r line by line into the sink and the live callback.
// Read errors end the stream without failing the run; any remaining
// output is discarded so the child never blocks on a full pipe.
func (e *Engine) capture(r io.Reader, stream logsink.Stream, req StartRequest) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), e.maxLineBytes)

	for scanner.Scan() {
		line := req.Sink.Append(req.RunID, scanner.Text(), stream)
		if req.OnOutput != nil {
			req.OnOutput(line)
		}
	}

	if err := scanner.Err(); err != nil {
		e.log.Debugw("Output stream ended early",
			logger.FieldRunID, req.RunID,
			logger.FieldStream, stream,
			logger.FieldError, err)
		_, _ = io.Copy(io.Discard, r)
	}
	return nil
}
