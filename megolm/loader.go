package megolm

import (
	"errors"
	"sync"

	"github.com/meow-io/go-parley/config"
	"github.com/meow-io/go-parley/ids"
	"go.uber.org/zap"
)

var ErrLoaderDisposed = errors.New("megolm: key loader is disposed")

// keySlot is one occupied cache slot. Exactly one live handle exists per
// slot; refCount counts concurrent in-flight uses and a slot with
// refCount == 0 is eligible for eviction or overwrite.
type keySlot struct {
	key      *RoomKey
	session  InboundSession
	refCount int
}

// KeyLoader maps room keys to live session handles under a hard cap on
// concurrently materialized handles. Several callers may share one slot, but
// the number of distinct slots never exceeds the capacity; when every slot is
// in use a new allocation blocks until one is released.
type KeyLoader struct {
	log       *zap.SugaredLogger
	cipher    Cipher
	pickleKey []byte
	limit     int

	mu       sync.Mutex
	cond     *sync.Cond
	slots    []*keySlot // most recently used first
	disposed bool
}

func NewKeyLoader(c *config.Config, cipher Cipher) *KeyLoader {
	l := &KeyLoader{
		log:       c.Logger("megolm/loader"),
		cipher:    cipher,
		pickleKey: c.PickleKey,
		limit:     c.LoaderCapacity,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// UseKey materializes a session for key and runs fn against it. The handle is
// only valid for the synchronous extent of fn; the slot is released
// afterwards even if fn returns an error or panics. UseKey never fails for
// lack of capacity, it blocks instead.
func (l *KeyLoader) UseKey(key *RoomKey, fn func(session InboundSession) error) error {
	slot, err := l.allocate(key)
	if err != nil {
		return err
	}
	defer l.release(slot)
	return fn(slot.session)
}

// GetCachedKey returns a cached key for the session only if its quality has
// been resolved to best. Unresolved keys are never surfaced so a caller
// cannot be handed a provably inferior key.
func (l *KeyLoader) GetCachedKey(roomID ids.RoomID, senderKey ids.Curve25519, sessionID ids.SessionID) *RoomKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.slots {
		if s.key.IsForSession(roomID, senderKey, sessionID) && s.key.quality == QualityBetter {
			return s.key
		}
	}
	return nil
}

// Size returns the number of occupied slots.
func (l *KeyLoader) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Dispose frees every handle unconditionally and rejects any further use.
func (l *KeyLoader) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	l.disposed = true
	for _, s := range l.slots {
		if s.refCount != 0 {
			l.log.Warnf("disposing slot for session %s with refcount %d", s.key.sessionID, s.refCount)
		}
		s.session.Free()
	}
	l.slots = nil
	l.cond.Broadcast()
}

func (l *KeyLoader) allocate(key *RoomKey) (*keySlot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.disposed {
			return nil, ErrLoaderDisposed
		}

		// an entry for the same key instance is shared, no new handle
		for i, s := range l.slots {
			if s.key.sameInstance(key) {
				s.refCount++
				l.touch(i)
				return s, nil
			}
		}

		if len(l.slots) < l.limit {
			session, err := key.loadInto(l.cipher, l.pickleKey)
			if err != nil {
				return nil, err
			}
			slot := &keySlot{key: key, session: session, refCount: 1}
			l.slots = append([]*keySlot{slot}, l.slots...)
			return slot, nil
		}

		// prefer overwriting an unused copy of the same logical session,
		// worst copy first, so the best copy survives
		victim := -1
		for i, s := range l.slots {
			if s.refCount != 0 || !s.key.sameSession(key) {
				continue
			}
			if victim == -1 || worseThan(s.key, l.slots[victim].key) {
				victim = i
			}
		}

		// otherwise evict the least-recently-used unused entry
		if victim == -1 {
			for i := len(l.slots) - 1; i >= 0; i-- {
				if l.slots[i].refCount == 0 {
					victim = i
					break
				}
			}
		}

		if victim != -1 {
			// free the victim before materializing the replacement so the
			// number of live handles never exceeds the capacity
			slot := l.slots[victim]
			slot.session.Free()
			session, err := key.loadInto(l.cipher, l.pickleKey)
			if err != nil {
				l.slots = append(l.slots[:victim], l.slots[victim+1:]...)
				l.cond.Broadcast()
				return nil, err
			}
			slot.key = key
			slot.session = session
			slot.refCount = 1
			l.touch(victim)
			return slot, nil
		}

		// every slot is in use, wait for a release and retry
		l.cond.Wait()
	}
}

func (l *KeyLoader) release(slot *keySlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	slot.refCount--
	if slot.refCount == 0 {
		l.cond.Broadcast()
	}
}

func (l *KeyLoader) touch(i int) {
	if i == 0 {
		return
	}
	slot := l.slots[i]
	copy(l.slots[1:i+1], l.slots[0:i])
	l.slots[0] = slot
}

func worseThan(a, b *RoomKey) bool {
	return a.quality == QualityNotBetter && b.quality != QualityNotBetter
}

func (l *KeyLoader) pickle(key *RoomKey) ([]byte, error) {
	var pickle []byte
	err := l.UseKey(key, func(session InboundSession) error {
		var err error
		pickle, err = session.Pickle(l.pickleKey)
		return err
	})
	return pickle, err
}

func (l *KeyLoader) firstKnownIndex(key *RoomKey) (uint32, error) {
	var index uint32
	err := l.UseKey(key, func(session InboundSession) error {
		index = session.FirstKnownIndex()
		return nil
	})
	return index, err
}
