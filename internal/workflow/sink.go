package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink writes each output to result_<timestamp>.txt under Dir.
type FileSink struct {
	Dir string

	mu sync.Mutex
}

// NewFileSink creates the output directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure output dir: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

func (s *FileSink) Save(ctx context.Context, out Output) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	base := "result_" + out.CreatedAt.Format("20060102_150405")
	path := filepath.Join(s.Dir, base+".txt")
	for i := 1; ; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			path = filepath.Join(s.Dir, fmt.Sprintf("%s_%d.txt", base, i))
			continue
		}
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		_, werr := f.WriteString(out.Content)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("write output file: %w", werr)
		}
		if cerr != nil {
			return fmt.Errorf("close output file: %w", cerr)
		}
		return nil
	}
}

// DiscardSink drops outputs.
type DiscardSink struct{}

func (DiscardSink) Save(context.Context, Output) error { return nil }
