package source

import (
	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/native"
)

// StepResult reports the outcome of a source-level step: either a new
// source line was reached (Line/File set, Event is a plain Singlestep),
// or the underlying instruction-level step produced a non-Singlestep
// event (a breakpoint, watchpoint, or the program terminating), in which
// case Event carries it and File/Line reflect wherever execution actually
// stopped, if that happens to be a known source location.
type StepResult struct {
	Event native.Event
	File  string
	Line  int
	// HasLine is false when the instruction-level event left IP at an
	// address with no known source mapping (e.g. stepping into a function
	// with no debug info).
	HasLine bool
}

func (c *Controller) currentLineOrEmpty() (string, int, bool) {
	file, line, err := c.CurrentLine()
	if err != nil {
		return "", 0, false
	}
	return file, line, true
}

// StepLine executes instructions one at a time (stepping into any call,
// the source-level counterpart of an instruction-level SingleStep) until
// the source line changes or maxInstructionsPerSourceStep is exceeded,
// mirroring the teacher's Controller.nextSourceLine loop generalised to
// "step into" semantics (each iteration calls native.Controller.SingleStep,
// never StepOver, so a call is followed into).
func (c *Controller) StepLine() (StepResult, error) {
	startFile, startLine, haveStart := c.currentLineOrEmpty()

	for i := 0; i < maxInstructionsPerSourceStep; i++ {
		ev, err := c.native.SingleStep()
		if err != nil {
			return StepResult{}, err
		}
		if ev.Kind != native.EventSinglestep {
			file, line, ok := c.currentLineOrEmpty()
			return StepResult{Event: ev, File: file, Line: line, HasLine: ok}, nil
		}
		file, line, ok := c.currentLineOrEmpty()
		if !ok {
			continue
		}
		if !haveStart || file != startFile || line != startLine {
			return StepResult{Event: ev, File: file, Line: line, HasLine: true}, nil
		}
	}
	return StepResult{}, dbgerr.New(dbgerr.ProtocolError, "source-level step did not reach a new line within %d instructions", maxInstructionsPerSourceStep)
}

// NextLine is StepLine's step-over counterpart: it executes through calls
// without stopping inside them, by driving native.Controller.StepOver
// instead of SingleStep at each instruction, mirroring the teacher's
// Controller.CmdNext / Backend.Next.
func (c *Controller) NextLine() (StepResult, error) {
	startFile, startLine, haveStart := c.currentLineOrEmpty()

	for i := 0; i < maxInstructionsPerSourceStep; i++ {
		ev, err := c.native.StepOver(true)
		if err != nil {
			return StepResult{}, err
		}
		if ev.Kind != native.EventSinglestep {
			file, line, ok := c.currentLineOrEmpty()
			return StepResult{Event: ev, File: file, Line: line, HasLine: ok}, nil
		}
		file, line, ok := c.currentLineOrEmpty()
		if !ok {
			continue
		}
		if !haveStart || file != startFile || line != startLine {
			return StepResult{Event: ev, File: file, Line: line, HasLine: true}, nil
		}
	}
	return StepResult{}, dbgerr.New(dbgerr.ProtocolError, "source-level step-over did not reach a new line within %d instructions", maxInstructionsPerSourceStep)
}

// StepOutOfFunction runs until the current function returns, then
// continues stepping (by line, stepping over calls) until a new source
// line is reached, so the caller lands on the first whole source line
// after the call site rather than mid-instruction.
func (c *Controller) StepOutOfFunction() (StepResult, error) {
	ev, err := c.native.StepOut()
	if err != nil {
		return StepResult{}, err
	}
	if ev.Kind != native.EventSinglestep {
		file, line, ok := c.currentLineOrEmpty()
		return StepResult{Event: ev, File: file, Line: line, HasLine: ok}, nil
	}
	return c.NextLine()
}
