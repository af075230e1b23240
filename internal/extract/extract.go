// Package extract streams selected clip byte ranges out of a recorded
// transport stream. Reads are sequential and chunked; output fans out to
// one or more sinks so a transcoder and a subtitle extractor can share one
// pass over the source.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"tstriage/internal/clips"
	"tstriage/internal/ptsmap"
)

// bufferSize bounds memory per copy chunk.
const bufferSize = 1 << 20

// Sink is one fan-out destination for the extracted stream.
type Sink struct {
	Writer io.Writer
	// Name identifies the sink in errors.
	Name string
	// TolerateClose permits the sink to vanish mid-stream (broken pipe).
	// Sinks without it propagate write failures.
	TolerateClose bool
}

// Progress receives cumulative copied bytes against the planned total.
type Progress func(copied, total int64)

type span struct {
	start int64
	end   int64
}

// PlanBytes returns the total number of bytes the clip list will produce.
func PlanBytes(index *ptsmap.Map, list []clips.Clip) (int64, error) {
	spans, err := resolveSpans(index, list)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range spans {
		total += s.end - s.start
	}
	return total, nil
}

// Clips streams each clip's byte range from srcPath to every sink in order.
// Clip ranges are visited in list order; the source is never read backward.
func Clips(ctx context.Context, srcPath string, list []clips.Clip, index *ptsmap.Map, sinks []Sink, progress Progress) error {
	spans, err := resolveSpans(index, list)
	if err != nil {
		return err
	}
	var total int64
	for _, s := range spans {
		total += s.end - s.start
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	fan := &fanout{sinks: sinks}
	buf := make([]byte, bufferSize)
	var copied int64
	for _, s := range spans {
		if _, err := src.Seek(s.start, io.SeekStart); err != nil {
			return fmt.Errorf("seek to %d: %w", s.start, err)
		}
		remaining := s.end - s.start
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			chunk := buf
			if remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
			n, err := src.Read(chunk)
			if n > 0 {
				if werr := fan.write(chunk[:n]); werr != nil {
					return werr
				}
				remaining -= int64(n)
				copied += int64(n)
				if progress != nil {
					progress(copied, total)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return fmt.Errorf("source truncated: %d bytes short of offset %d", remaining, s.end)
				}
				return fmt.Errorf("read source: %w", err)
			}
			if fan.drained() {
				return nil
			}
		}
	}
	return nil
}

// ToFile extracts the clip list into a single file, replacing any previous
// output at that path.
func ToFile(ctx context.Context, srcPath string, list []clips.Clip, index *ptsmap.Map, outPath string, progress Progress) error {
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()
	if err := Clips(ctx, srcPath, list, index, []Sink{{Writer: out, Name: outPath}}, progress); err != nil {
		return err
	}
	return out.Close()
}

func resolveSpans(index *ptsmap.Map, list []clips.Clip) ([]span, error) {
	spans := make([]span, 0, len(list))
	for _, clip := range list {
		start, end, err := index.ClipRange(clip)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{start: start, end: end})
	}
	return spans, nil
}

// fanout writes to every live sink, dropping tolerated sinks whose pipe
// closed and failing on everything else.
type fanout struct {
	sinks []Sink
}

func (f *fanout) write(data []byte) error {
	live := f.sinks[:0]
	for _, sink := range f.sinks {
		if _, err := sink.Writer.Write(data); err != nil {
			if sink.TolerateClose && isClosedPipe(err) {
				continue
			}
			name := sink.Name
			if name == "" {
				name = "sink"
			}
			return fmt.Errorf("write %s: %w", name, err)
		}
		live = append(live, sink)
	}
	f.sinks = live
	return nil
}

func (f *fanout) drained() bool {
	return len(f.sinks) == 0
}

func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
