package projection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
)

// Snapshot files are zstd-compressed JSON named %020d.snap by the sequence
// they cover. Each embeds the chain hash of the event at that sequence so a
// snapshot that does not belong to this log is detected and skipped.

const (
	snapshotVersion = 1
	snapshotSuffix  = ".snap"
)

type snapshotEnvelope struct {
	FormatVersion int    `json:"format_version"`
	Sequence      uint64 `json:"sequence"`
	ChainHash     string `json:"chain_hash"`
	State         *State `json:"state"`
}

func snapshotName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, snapshotSuffix)
}

// canonicalState returns the canonical serialisation of a state. Map keys
// sort lexicographically under encoding/json, so equal states produce equal
// bytes.
func canonicalState(s *State) ([]byte, error) {
	return json.Marshal(s)
}

// WriteSnapshot validates the state against a fresh replay of the event
// prefix it claims to cover, then writes it atomically. Validation failure
// means the apply path has diverged and is returned as ErrDivergence.
func WriteSnapshot(dir string, log *eventlog.Log, state *State) error {
	if state.AppliedSeq == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	replayed, err := replay(log, NewState(state.ArchiveCap), state.AppliedSeq)
	if err != nil {
		return fmt.Errorf("snapshot validation replay: %w", err)
	}
	// Age-based archive trims are volatile (not event-sourced); drop entries
	// from the replay that the live state has already trimmed before
	// comparing.
	pruneArchiveTo(replayed, state)
	want, err := canonicalState(replayed)
	if err != nil {
		return err
	}
	got, err := canonicalState(state)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("%w: state at sequence %d does not match replay", ErrDivergence, state.AppliedSeq)
	}

	env := snapshotEnvelope{
		FormatVersion: snapshotVersion,
		Sequence:      state.AppliedSeq,
		ChainHash:     state.AppliedHash,
		State:         state,
	}
	body, err := json.Marshal(&env)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, snapshotName(state.AppliedSeq))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	slog.Info("Snapshot written", "sequence", state.AppliedSeq, "path", path)
	return nil
}

// pruneArchiveTo removes archived entries from replayed that live no longer
// holds (age-trimmed by the retention service).
func pruneArchiveTo(replayed, live *State) {
	kept := replayed.ArchiveOrder[:0]
	for _, id := range replayed.ArchiveOrder {
		if _, ok := live.Archived[id]; !ok {
			delete(replayed.Archived, id)
			continue
		}
		kept = append(kept, id)
	}
	replayed.ArchiveOrder = kept
}

// loadSnapshot reads and decodes one snapshot file.
func loadSnapshot(path string) (*snapshotEnvelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.FormatVersion != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", env.FormatVersion)
	}
	if env.State == nil {
		return nil, fmt.Errorf("snapshot missing state")
	}
	return &env, nil
}

// latestValidSnapshot returns the newest snapshot whose recorded chain hash
// matches the log, or nil when none qualifies. Invalid or stale snapshots are
// skipped with a warning, never repaired.
func latestValidSnapshot(dir string, log *eventlog.Log) *snapshotEnvelope {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), snapshotSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		path := filepath.Join(dir, name)
		env, err := loadSnapshot(path)
		if err != nil {
			slog.Warn("Skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		hash, err := log.HashAt(env.Sequence)
		if err != nil || hash != env.ChainHash {
			slog.Warn("Skipping snapshot that does not match the log", "path", path, "sequence", env.Sequence)
			continue
		}
		return env
	}
	return nil
}

// replay applies log events onto state until upTo (0 = everything).
func replay(log *eventlog.Log, state *State, upTo uint64) (*State, error) {
	const batch = 1000
	from := state.AppliedSeq + 1
	for {
		if upTo > 0 && from > upTo {
			break
		}
		limit := batch
		if upTo > 0 && upTo-from+1 < uint64(batch) {
			limit = int(upTo - from + 1)
		}
		events, err := log.Read(from, limit)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if err := Apply(state, e); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDivergence, err)
			}
		}
		from = events[len(events)-1].Sequence + 1
	}
	return state, nil
}

// Rebuild reconstructs the projection from the latest verified snapshot plus
// its successor events, or from sequence 1 when no snapshot qualifies. The
// final applied hash must match the log's tail hash; disagreement is
// ErrDivergence.
func Rebuild(log *eventlog.Log, snapshotDir string, archiveCap int) (*Store, error) {
	state := NewState(archiveCap)
	if snapshotDir != "" {
		if env := latestValidSnapshot(snapshotDir, log); env != nil {
			slog.Info("Rebuilding projection from snapshot", "sequence", env.Sequence)
			state = env.State
		}
	}

	state, err := replay(log, state, 0)
	if err != nil {
		return nil, err
	}

	last := log.LastSequence()
	if state.AppliedSeq != last {
		return nil, fmt.Errorf("%w: applied %d events, log has %d", ErrDivergence, state.AppliedSeq, last)
	}
	if last > 0 {
		hash, err := log.HashAt(last)
		if err != nil {
			return nil, err
		}
		if hash != state.AppliedHash {
			return nil, fmt.Errorf("%w: applied hash does not match log tail", ErrDivergence)
		}
	}

	// LastActivity is not serialised; prime snapshot-loaded sessions with the
	// rebuild time so the idle sweep gets a fresh window after restart.
	now := time.Now()
	for _, s := range state.Sessions {
		if s.LastActivity.IsZero() {
			s.LastActivity = now
		}
	}

	slog.Info("Projection rebuilt", "applied_seq", state.AppliedSeq)
	return newStoreFromState(state), nil
}
