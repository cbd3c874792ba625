// Package checkpoint manages the history ring: freezing the live
// changeset into slot -1 and aging or cycling older slots. History slots
// carry only a changeset directory; the data tree and its hash mirrors
// live in slot 0 alone.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/ravinsp/statesnapshot/internal/config"
	"github.com/ravinsp/statesnapshot/internal/state"
)

// ErrSlotRotate is returned when the ring could not be rotated. Create
// reverses its completed renames before returning, so a failed checkpoint
// leaves the slots as they were. CycleAfterRollback reverses nothing: the
// consumed live changeset is already deleted and completed moves stay.
var ErrSlotRotate = errors.New("checkpoint slot rotation failed")

type slotMove struct {
	from, to string
}

// Create freezes the current changeset as the most recent checkpoint.
// Every slot's changeset ages by one; history deeper than MaxCheckpoints
// is deleted. The caller must have quiesced writers.
func Create(root string) error {
	oldest, err := state.OldestSlot(root)
	if err != nil {
		return err
	}

	var done []slotMove
	for k := oldest; k <= 0; k++ {
		from := state.ForSlot(root, k).ChangesetDir
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := state.ForSlot(root, k-1).ChangesetDir
		if err := moveChangeset(from, to); err != nil {
			undoMoves(done)
			return fmt.Errorf("%w: %v", ErrSlotRotate, err)
		}
		done = append(done, slotMove{from: from, to: to})
	}

	// A fresh, empty changeset takes the live position.
	if err := os.MkdirAll(state.Live(root).ChangesetDir, config.DirPerms); err != nil {
		undoMoves(done)
		return fmt.Errorf("%w: %v", ErrSlotRotate, err)
	}

	return pruneDeepSlots(root)
}

// CycleAfterRollback removes the consumed live changeset and shifts every
// history changeset one slot toward the present: the checkpoint that the
// rollback landed on becomes the live changeset, so a further rollback
// keeps walking into history.
func CycleAfterRollback(root string) error {
	live := state.Live(root)
	if err := os.RemoveAll(live.ChangesetDir); err != nil {
		return fmt.Errorf("%w: %v", ErrSlotRotate, err)
	}

	slots, err := state.HistorySlots(root)
	if err != nil {
		return err
	}

	// Most recent first: each move lands in the position the previous
	// move vacated.
	for _, k := range slots {
		from := state.ForSlot(root, k).ChangesetDir
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := state.ForSlot(root, k+1).ChangesetDir
		if err := moveChangeset(from, to); err != nil {
			return fmt.Errorf("%w: %v", ErrSlotRotate, err)
		}
		removeIfEmpty(state.SlotDir(root, k))
	}

	// Ensure a live changeset directory exists even with no history.
	if err := os.MkdirAll(live.ChangesetDir, config.DirPerms); err != nil {
		return fmt.Errorf("%w: %v", ErrSlotRotate, err)
	}
	return nil
}

func moveChangeset(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), config.DirPerms); err != nil {
		return err
	}
	return os.Rename(from, to)
}

func undoMoves(done []slotMove) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := os.Rename(done[i].to, done[i].from); err != nil {
			log.WithFields(log.Fields{"from": done[i].to, "to": done[i].from}).
				WithError(err).Error("could not reverse slot move")
		}
	}
}

// pruneDeepSlots removes history beyond the retention depth.
func pruneDeepSlots(root string) error {
	slots, err := state.HistorySlots(root)
	if err != nil {
		return err
	}
	for _, k := range slots {
		if k < -config.MaxCheckpoints {
			if err := os.RemoveAll(state.SlotDir(root, k)); err != nil {
				return fmt.Errorf("prune slot %d: %w", k, err)
			}
		}
	}
	return nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
