package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vango-dev/relay/pkg/crdt"
	"github.com/vango-dev/relay/pkg/room"
)

// SaveTimeout bounds the save run by EvictionHook.
const SaveTimeout = 10 * time.Second

// Provider returns a room.Provider that restores rooms from store.
//
// A room without a snapshot starts as an empty document, unless strict
// is set, in which case only rooms with a snapshot exist and any other
// id is rejected with room.ErrRoomNotFound.
func Provider(store Store, strict bool) room.Provider {
	return func(ctx context.Context, roomID string) (crdt.Document, error) {
		data, err := store.Load(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("snapshot: load %q: %w", roomID, err)
		}
		if data == nil {
			if strict {
				return nil, room.ErrRoomNotFound
			}
			return crdt.New(), nil
		}

		doc := crdt.New()
		if err := doc.ApplyUpdate(data, nil); err != nil {
			return nil, fmt.Errorf("snapshot: restore %q: %w", roomID, err)
		}
		return doc, nil
	}
}

// EvictionHook returns a room.Hook that saves the evicted room's full
// state to store. A document that was never written is not saved.
// Failures are logged; eviction itself cannot fail.
func EvictionHook(store Store, logger *zerolog.Logger) room.Hook {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("component", "snapshot").Logger()

	return func(roomID string, doc crdt.Document) {
		if sv, err := crdt.DecodeStateVector(doc.StateVector()); err == nil && len(sv) == 0 {
			return
		}
		data, err := doc.EncodeStateAsUpdate(nil)
		if err != nil {
			l.Error().Err(err).Str("room", roomID).Msg("encode snapshot failed")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), SaveTimeout)
		defer cancel()
		if err := store.Save(ctx, roomID, data); err != nil {
			l.Error().Err(err).Str("room", roomID).Msg("save snapshot failed")
			return
		}
		l.Info().Str("room", roomID).Int("bytes", len(data)).Msg("snapshot saved")
	}
}
