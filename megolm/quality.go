package megolm

import "github.com/meow-io/go-parley/ids"

// checkBetterThanStored resolves the key's quality exactly once. A key is
// strictly better than another copy of the same session iff its first known
// index is numerically smaller. The loser's quality is resolved too so it
// need not be rechecked later. Runs inside a storage transaction.
func (k *RoomKey) checkBetterThanStored(l *KeyLoader, d *database) (bool, error) {
	if k.quality != QualityUnknown {
		return k.quality == QualityBetter, nil
	}

	// prefer an already-cached live entry over a storage read
	existing := l.GetCachedKey(k.roomID, k.senderKey, k.sessionID)
	if existing == nil {
		row, ok, err := d.inboundGroupSession(k.roomID, k.senderKey, k.sessionID)
		if err != nil {
			return false, err
		}
		if ok && len(row.Session) > 0 {
			existing = newStoredKey(row)
		}
	}

	// nothing to compare against, this key is the best by definition
	if existing == nil {
		k.quality = QualityBetter
		return true, nil
	}

	if existing.sameInstance(k) {
		k.quality = QualityNotBetter
		return false, nil
	}

	ourIndex, err := l.firstKnownIndex(k)
	if err != nil {
		return false, err
	}
	theirIndex, err := l.firstKnownIndex(existing)
	if err != nil {
		return false, err
	}
	if ourIndex < theirIndex {
		k.quality = QualityBetter
		existing.quality = QualityNotBetter
		return true, nil
	}
	k.quality = QualityNotBetter
	existing.quality = QualityBetter
	return false, nil
}

// write persists the key unless an existing copy is better. When this key
// loses, its pending event ids are merged onto the stored winner so the
// events can still be retried; when it wins, the loser's backlog is carried
// forward the same way. Returns whether anything was written.
func (k *RoomKey) write(l *KeyLoader, d *database) (bool, error) {
	better, err := k.checkBetterThanStored(l, d)
	if err != nil {
		return false, err
	}

	row, ok, err := d.inboundGroupSession(k.roomID, k.senderKey, k.sessionID)
	if err != nil {
		return false, err
	}

	if !better {
		if len(k.eventIDs) != 0 {
			if ok {
				merged := mergeEventIDs(decodeEventIDs(row.EventIDs), k.eventIDs)
				if err := d.setInboundGroupSessionEventIDs(k.roomID, k.senderKey, k.sessionID, encodeEventIDs(merged)); err != nil {
					return false, err
				}
			} else {
				// the winner lives only in the cache; park the backlog on a
				// placeholder row so the events survive for requeue
				if err := d.setInboundGroupSession(&inboundGroupSession{
					RoomID:    string(k.roomID),
					SenderKey: string(k.senderKey),
					SessionID: string(k.sessionID),
					EventIDs:  encodeEventIDs(k.eventIDs),
					Backup:    backupColumnNotBackedUp,
					Source:    sourceColumnDeviceMessage,
				}); err != nil {
					return false, err
				}
			}
		}
		return false, nil
	}

	pickle, err := l.pickle(k)
	if err != nil {
		return false, err
	}

	eventIDs := k.eventIDs
	if ok {
		eventIDs = mergeEventIDs(decodeEventIDs(row.EventIDs), eventIDs)
	}
	backup := backupColumnNotBackedUp
	if k.backedUp {
		backup = backupColumnBackedUp
	}
	if err := d.setInboundGroupSession(&inboundGroupSession{
		RoomID:            string(k.roomID),
		SenderKey:         string(k.senderKey),
		SessionID:         string(k.sessionID),
		Session:           pickle,
		ClaimedEd25519Key: string(k.claimedEd25519Key),
		EventIDs:          encodeEventIDs(eventIDs),
		Backup:            backup,
		Source:            k.sourceColumn(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (k *RoomKey) sourceColumn() int {
	source := k.source
	if source == SourceStored {
		source = k.storedSource
	}
	switch source {
	case SourceOutbound:
		return sourceColumnOutbound
	case SourceBackup:
		return sourceColumnBackup
	default:
		return sourceColumnDeviceMessage
	}
}

func mergeEventIDs(existing, added []ids.EventID) []ids.EventID {
	seen := make(map[ids.EventID]bool, len(existing))
	merged := make([]ids.EventID, 0, len(existing)+len(added))
	for _, id := range existing {
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, id)
	}
	for _, id := range added {
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, id)
	}
	return merged
}
