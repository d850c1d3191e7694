package exchange

import (
	"go.uber.org/zap"

	"relaymesh/internal/state"
)

// Snapshot captures what should survive a restart.
func (e *Engine) Snapshot() *state.State {
	return &state.State{
		Version: state.Version,
		Config: state.Config{
			MyAddresses:     e.MyAddresses(),
			ConnectionLimit: e.opts.MaxConnections,
		},
		KnownAddresses:  e.book.List(),
		BroadcastClues:  e.meta.AllBroadcastClues(),
		UnicastClues:    e.meta.AllUnicastClues(),
		MulticastClues:  e.meta.AllMulticastClues(),
		Uploads:         e.uploads.list(),
		DiffusionHashes: e.diffusion.values(),
	}
}

// Restore merges st into the running state. Configured addresses win over
// persisted ones; stale clues are dropped by the metadata store.
func (e *Engine) Restore(st *state.State) {
	if st == nil {
		return
	}
	e.addrMu.Lock()
	if len(e.myAddresses) == 0 {
		e.myAddresses = append(e.myAddresses, st.Config.MyAddresses...)
	}
	e.addrMu.Unlock()

	e.SetKnownAddresses(st.KnownAddresses)
	dropped := 0
	for _, c := range st.BroadcastClues {
		if !e.meta.SetBroadcastClue(c) {
			dropped++
		}
	}
	for _, c := range st.UnicastClues {
		if !e.meta.SetUnicastClue(c) {
			dropped++
		}
	}
	for _, c := range st.MulticastClues {
		if !e.meta.SetMulticastClue(c) {
			dropped++
		}
	}
	e.uploads.restore(st.Uploads)
	e.diffusion.add(st.DiffusionHashes...)
	e.log.Debug("state restored",
		zap.Int("known_addresses", e.book.Len()),
		zap.Int("uploads", e.uploads.len()),
		zap.Int("dropped_clues", dropped),
	)
}
