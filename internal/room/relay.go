package room

import (
	"log"

	"github.com/manpreetbhatti/codecollab/internal/protocol"
)

// relayLocked encodes the event once and queues it on every participant
// except the one named by exclude (empty excludes nobody). Delivery is fire
// and forget: a full or closed peer queue loses only its own copy.
func (r *Room) relayLocked(event protocol.Event, data any, exclude string) int {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		log.Printf("Room %s: failed to encode %s: %v", r.ID, event, err)
		return 0
	}

	delivered := 0
	for _, p := range r.participants {
		if p.ConnectionID == exclude {
			continue
		}
		if p.peer.Send(frame) {
			delivered++
		} else {
			log.Printf("⚠️ Room %s: dropped %s for %s (queue full or closed)", r.ID, event, p.ConnectionID)
		}
	}
	return delivered
}

// sendLocked queues an event for a single peer.
func (r *Room) sendLocked(peer Peer, event protocol.Event, data any) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		log.Printf("Room %s: failed to encode %s: %v", r.ID, event, err)
		return false
	}
	if !peer.Send(frame) {
		log.Printf("⚠️ Room %s: dropped %s for %s (queue full or closed)", r.ID, event, peer.ID())
		return false
	}
	return true
}
