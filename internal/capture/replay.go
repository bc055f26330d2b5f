package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rjsadow/attentive/internal/features"
)

const maxReplayLine = 4 << 20

// replayFrame is one line of a replay file. A line of null, or a frame
// without landmarks, means no face was found.
type replayFrame struct {
	Landmarks []features.Point `json:"landmarks"`
}

// Replay plays back recorded detections from a JSON-lines file. Each line
// is {"landmarks":[{"x":..,"y":..,"z":..}, ...]} with the dense landmark
// list of one frame. It is both the frame source and the detector.
type Replay struct {
	mu      sync.Mutex
	r       io.ReadSeeker
	closer  io.Closer
	scanner *bufio.Scanner
	loop    bool
	seq     int
}

// OpenReplay opens a replay file. With loop set, playback restarts at
// the first line instead of ending.
func OpenReplay(path string, loop bool) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	r := NewReplay(f, loop)
	r.closer = f
	return r, nil
}

// NewReplay plays back frames from r.
func NewReplay(r io.ReadSeeker, loop bool) *Replay {
	rp := &Replay{r: r, loop: loop}
	rp.reset()
	return rp
}

func (rp *Replay) reset() {
	rp.scanner = bufio.NewScanner(rp.r)
	rp.scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
}

// NextFrame implements FrameSource. Blank lines are skipped.
func (rp *Replay) NextFrame(ctx context.Context) (Image, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	rewound := false
	for {
		if err := ctx.Err(); err != nil {
			return Image{}, err
		}
		if rp.scanner.Scan() {
			line := bytes.TrimSpace(rp.scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			rp.seq++
			return Image{Seq: rp.seq, Data: bytes.Clone(line)}, nil
		}
		if err := rp.scanner.Err(); err != nil {
			return Image{}, fmt.Errorf("read replay: %w", err)
		}
		if !rp.loop || rewound {
			return Image{}, io.EOF
		}
		if _, err := rp.r.Seek(0, io.SeekStart); err != nil {
			return Image{}, fmt.Errorf("rewind replay: %w", err)
		}
		rp.reset()
		rewound = true
	}
}

// Detect implements Detector by decoding the recorded landmarks.
func (rp *Replay) Detect(_ context.Context, img Image) (features.Frame, error) {
	var f *replayFrame
	if err := json.Unmarshal(img.Data, &f); err != nil {
		return nil, fmt.Errorf("frame %d: %w", img.Seq, err)
	}
	if f == nil {
		return nil, nil
	}
	return features.Frame(f.Landmarks), nil
}

// Close closes the underlying file, if any.
func (rp *Replay) Close() error {
	if rp.closer == nil {
		return nil
	}
	return rp.closer.Close()
}
