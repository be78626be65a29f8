package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/Seednode/partysync/internal/model"
)

// BadgerStore persists the shared state in BadgerDB. Key layout:
//
//	session/<id>                          -> Session
//	code/<code>                           -> session id
//	part/<sessionID>/<joinedNanos>/<id>   -> Participant
//	log/<sessionID>/<createdNanos>/<id>   -> ActionLogEntry
//	state/<sessionID>                     -> GameStateSnapshot
//
// Participant and log keys embed the timestamp so prefix iteration
// yields join order and log order for free. Log keys are never reused,
// keeping the log append-only.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func sessionKey(id string) []byte {
	return []byte("session/" + id)
}

func codeKey(code string) []byte {
	return []byte("code/" + code)
}

func participantKey(p model.Participant) []byte {
	return fmt.Appendf(nil, "part/%s/%020d/%s", p.SessionID, p.JoinedAt.UnixNano(), p.ID)
}

func logKey(e model.ActionLogEntry) []byte {
	return fmt.Appendf(nil, "log/%s/%020d/%s", e.SessionID, e.CreatedAt.UnixNano(), e.ID)
}

func stateKey(sessionID string) []byte {
	return []byte("state/" + sessionID)
}

func (b *BadgerStore) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (b *BadgerStore) getJSON(key []byte, v any) error {
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (b *BadgerStore) PutSession(_ context.Context, s model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(s.ID), data); err != nil {
			return err
		}
		return txn.Set(codeKey(s.Code), []byte(s.ID))
	})
}

func (b *BadgerStore) GetSession(_ context.Context, id string) (model.Session, error) {
	var s model.Session
	if err := b.getJSON(sessionKey(id), &s); err != nil {
		return model.Session{}, err
	}
	return s, nil
}

func (b *BadgerStore) GetSessionByCode(ctx context.Context, code string) (model.Session, error) {
	var id string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(codeKey(code))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			id = string(data)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}

	s, err := b.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if s.IsDeleted {
		return model.Session{}, ErrHostGone
	}
	return s, nil
}

func (b *BadgerStore) PutParticipant(_ context.Context, p model.Participant) error {
	return b.setJSON(participantKey(p), p)
}

func (b *BadgerStore) ListParticipants(_ context.Context, sessionID string) ([]model.Participant, error) {
	var out []model.Participant
	prefix := []byte("part/" + sessionID + "/")

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				var p model.Participant
				if err := json.Unmarshal(data, &p); err != nil {
					return err
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) AppendLog(_ context.Context, e model.ActionLogEntry) error {
	return b.setJSON(logKey(e), e)
}

func (b *BadgerStore) ListLogSince(_ context.Context, sessionID string, since time.Time) ([]model.ActionLogEntry, error) {
	var out []model.ActionLogEntry
	prefix := []byte("log/" + sessionID + "/")
	start := fmt.Appendf(nil, "log/%s/%020d", sessionID, since.UnixNano())

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				var e model.ActionLogEntry
				if err := json.Unmarshal(data, &e); err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerStore) PutSnapshot(_ context.Context, s model.GameStateSnapshot) error {
	return b.setJSON(stateKey(s.SessionID), s)
}

func (b *BadgerStore) GetSnapshot(_ context.Context, sessionID string) (model.GameStateSnapshot, error) {
	var s model.GameStateSnapshot
	if err := b.getJSON(stateKey(sessionID), &s); err != nil {
		return model.GameStateSnapshot{}, err
	}
	return s, nil
}

// Watch maps badger's prefix subscription onto per-session Change
// events. The subscription runs until ctx is cancelled.
func (b *BadgerStore) Watch(ctx context.Context, sessionID string) (<-chan Change, error) {
	ch := make(chan Change, 16)

	matches := []pb.Match{
		{Prefix: sessionKey(sessionID)},
		{Prefix: []byte("part/" + sessionID + "/")},
		{Prefix: stateKey(sessionID)},
	}

	go func() {
		defer close(ch)

		_ = b.db.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				c := Change{SessionID: sessionID}
				switch {
				case bytes.HasPrefix(kv.Key, []byte("session/")):
					c.Kind = ChangeSession
				case bytes.HasPrefix(kv.Key, []byte("part/")):
					c.Kind = ChangeParticipant
				case bytes.HasPrefix(kv.Key, []byte("state/")):
					c.Kind = ChangeState
				default:
					continue
				}

				select {
				case ch <- c:
				default:
				}
			}
			return nil
		}, matches)
	}()

	return ch, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
