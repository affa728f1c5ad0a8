package journal

// DefaultCheckpointFraction is how full the active journal file may get
// before the environment should run a checkpoint (flush all dirty pages,
// write the header, then let the writer rotate): spec §4.6.2 ties
// checkpointing to rotation so a rotated-away file never holds data
// recovery still needs.
const DefaultCheckpointFraction = 0.5

// ShouldCheckpoint reports whether the active file has grown past the
// fraction of its rotation threshold that should trigger a checkpoint.
func (w *Writer) ShouldCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.threshold <= 0 {
		return false
	}
	return float64(w.size[w.active]) >= float64(w.threshold)*DefaultCheckpointFraction
}
