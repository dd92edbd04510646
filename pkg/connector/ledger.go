package connector

// DefaultLedgerLimit is how many message pairs a chat remembers.
const DefaultLedgerLimit = 500

// RecordMapping prepends a Discord/WhatsApp message pair. Duplicates are
// allowed; lookups always see the newest pair first. When a ledger limit is
// set, the oldest pairs beyond it are dropped.
func (cb *ChatBinding) RecordMapping(destinationID, sourceID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.crossRefs = append(cb.crossRefs, CrossRef{})
	copy(cb.crossRefs[1:], cb.crossRefs)
	cb.crossRefs[0] = CrossRef{DestinationID: destinationID, SourceID: sourceID}
	cb.trimLocked()
}

func (cb *ChatBinding) trimLocked() {
	if cb.ledgerLimit > 0 && len(cb.crossRefs) > cb.ledgerLimit {
		cb.crossRefs = cb.crossRefs[:cb.ledgerLimit]
	}
}

// LookupSourceID returns the WhatsApp message mirrored by a Discord message.
func (cb *ChatBinding) LookupSourceID(destinationID string) (string, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	for _, ref := range cb.crossRefs {
		if ref.DestinationID == destinationID {
			return ref.SourceID, true
		}
	}
	return "", false
}

// LookupDestinationID returns the Discord message mirroring a WhatsApp message.
func (cb *ChatBinding) LookupDestinationID(sourceID string) (string, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	for _, ref := range cb.crossRefs {
		if ref.SourceID == sourceID {
			return ref.DestinationID, true
		}
	}
	return "", false
}

// LedgerSize returns the number of remembered pairs.
func (cb *ChatBinding) LedgerSize() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return len(cb.crossRefs)
}
