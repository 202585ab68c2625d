package kfmt

import "io"

// PrefixWriter wraps an io.Writer and emits Prefix at the start of every
// line written through it. Each memory subsystem uses one to tag its log
// output with its name.
type PrefixWriter struct {
	// Sink receives the prefixed output. If nil, Printf's current output
	// target is used.
	Sink io.Writer

	// Prefix is written before the first byte of each line.
	Prefix []byte

	midLine bool
}

// Write sends p to the sink, injecting the prefix after each newline that is
// followed by more data. The returned byte count excludes injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written int
		start   int
		sink    = w.sink()
	)

	for i := 0; i < len(p); i++ {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		if p[i] != '\n' {
			continue
		}

		n, err := sink.Write(p[start : i+1])
		written += n
		if err != nil {
			return written, err
		}
		start = i + 1
		w.midLine = false
	}

	if start < len(p) {
		n, err := sink.Write(p[start:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *PrefixWriter) sink() io.Writer {
	if w.Sink != nil {
		return w.Sink
	}
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}
