package history

import "github.com/example/nats-chatroom/internal/message"

// Store combines the replay cache and the durable log behind the operations
// the gateway needs: cheap snapshots for attach, and paged reads that reach
// into the log when a page is deeper than the ring holds.
type Store struct {
	Replay *ReplayCache
	Log    *Log
}

func NewStore(replaySize int, logDir string) (*Store, error) {
	log, err := OpenLog(logDir)
	if err != nil {
		return nil, err
	}
	return &Store{Replay: NewReplayCache(replaySize), Log: log}, nil
}

// Page serves a paged history read. When the newest page is requested and
// the ring already holds enough messages, the page is served from memory
// without touching the log. Page contents are always oldest-first.
func (s *Store) Page(room string, limit int, beforeSeq uint64) ([]message.Message, error) {
	if beforeSeq == 0 {
		snap := s.Replay.Snapshot(room)
		if len(snap) >= limit {
			return snap[len(snap)-limit:], nil
		}
	}
	return s.Log.ReadPage(room, limit, beforeSeq)
}

func (s *Store) Close() error {
	return s.Log.Close()
}
