package capture

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Transcript is one update of a dictation subscription: the full
// transcript so far, or a terminal error.
type Transcript struct {
	Text string
	Err  error
}

// Transcriber produces transcript updates until ctx is cancelled or the
// source ends, then closes the channel.
type Transcriber interface {
	Transcribe(ctx context.Context) (<-chan Transcript, error)
}

// StartDictation subscribes to tr. Every update replaces the dictated
// suffix of InputText; text typed before or during dictation is kept.
func (c *Capture) StartDictation(ctx context.Context, tr Transcriber) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.dictating {
		c.mu.Unlock()
		return ErrAlreadyDictating
	}
	prevCancel, prevDone := c.detachDictationLocked()
	c.mu.Unlock()
	waitDictation(prevCancel, prevDone)

	dctx, cancel := context.WithCancel(ctx)
	updates, err := tr.Transcribe(dctx)
	if err != nil {
		cancel()
		_ = c.mutate(func(d *Draft) error {
			d.ErrorMessage = "dictation: " + err.Error()
			return nil
		})
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	if c.closed || c.dictating {
		c.mu.Unlock()
		cancel()
		return ErrClosed
	}
	c.dictGen++
	gen := c.dictGen
	c.dictating = true
	c.dictBase = c.draft.InputText
	c.dictLast, c.dictFolded = "", ""
	c.dictCancel = cancel
	c.dictDone = done
	c.mu.Unlock()

	go c.readTranscripts(dctx, gen, updates, done)
	return nil
}

// StopDictation cancels the subscription and waits for its reader to exit.
// No dictation update mutates the draft after it returns.
func (c *Capture) StopDictation() {
	c.mu.Lock()
	cancel, done := c.detachDictationLocked()
	c.mu.Unlock()
	waitDictation(cancel, done)
}

func (c *Capture) readTranscripts(ctx context.Context, gen int, updates <-chan Transcript, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-updates:
			if !ok {
				c.endDictation(gen, "")
				return
			}
			if tr.Err != nil {
				c.endDictation(gen, "dictation: "+tr.Err.Error())
				return
			}
			c.applyTranscript(gen, tr.Text)
		}
	}
}

func (c *Capture) applyTranscript(gen int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.dictating || c.dictGen != gen {
		return
	}
	c.dictLast = text
	dictated := text
	if c.dictFolded != "" && strings.HasPrefix(text, c.dictFolded) {
		dictated = text[len(c.dictFolded):]
	}
	c.draft.InputText = joinTranscript(c.dictBase, dictated)
}

func (c *Capture) endDictation(gen int, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dictGen != gen {
		return
	}
	c.dictating = false
	if errMsg != "" && !c.closed {
		c.draft.ErrorMessage = errMsg
	}
}

func (c *Capture) detachDictationLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := c.dictCancel, c.dictDone
	c.dictCancel, c.dictDone = nil, nil
	c.dictating = false
	c.dictGen++
	return cancel, done
}

func waitDictation(cancel context.CancelFunc, done chan struct{}) {
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func joinTranscript(base, dictated string) string {
	base = strings.TrimRight(base, " ")
	dictated = strings.TrimSpace(dictated)
	switch {
	case base == "":
		return dictated
	case dictated == "":
		return base
	default:
		return base + " " + dictated
	}
}

// LineTranscriber treats each line read from R as a newly recognised
// phrase and emits the accumulated transcript after each one.
type LineTranscriber struct {
	R io.Reader
}

func (l LineTranscriber) Transcribe(ctx context.Context) (<-chan Transcript, error) {
	out := make(chan Transcript)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(l.R)
		var sb strings.Builder
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(line)
			select {
			case <-ctx.Done():
				return
			case out <- Transcript{Text: sb.String()}:
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case <-ctx.Done():
			case out <- Transcript{Err: err}:
			}
		}
	}()
	return out, nil
}
