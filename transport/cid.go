package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// MinCIDLength and MaxCIDLength bound the length of a non-empty connection
// ID (the client MAY additionally use a zero-length source CID).
const (
	MinCIDLength = 4
	MaxCIDLength = 20

	// StatelessResetTokenLength is the fixed length of a stateless reset
	// token as carried in transport parameters and NEW_CONNECTION_ID frames.
	StatelessResetTokenLength = 16
)

// ConnectionID is a single entry in a source- or destination-CID set, per
// the data model's CID description: sequence number, retire-prior-to
// watermark, the opaque identifier, and (when one is known) the stateless
// reset token bound to it.
type ConnectionID struct {
	Sequence      uint64
	RetirePriorTo uint64
	ID            []byte
	ResetToken    [StatelessResetTokenLength]byte
	HasResetToken bool
	Retired       bool
}

func (c *ConnectionID) String() string {
	return hex.EncodeToString(c.ID)
}

// cidSet is a sorted-by-sequence collection of ConnectionIDs, used for both
// a connection's own source CIDs and its view of the peer's destination
// CIDs. The design notes call for a sorted container replacing the
// original's splay tree; a slice kept sorted by insertion is sufficient at
// the small cardinalities (<= active_connection_id_limit) CIDs are bounded
// to.
type cidSet struct {
	items []ConnectionID
	// active is the sequence number of the currently-active entry, or -1.
	active int64
}

func newCIDSet() cidSet {
	return cidSet{active: -1}
}

func (s *cidSet) insert(c ConnectionID) {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].Sequence >= c.Sequence })
	if i < len(s.items) && s.items[i].Sequence == c.Sequence {
		return // duplicate sequence, ignored per NEW_CONNECTION_ID validation
	}
	s.items = append(s.items, ConnectionID{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = c
}

func (s *cidSet) bySequence(seq uint64) *ConnectionID {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].Sequence >= seq })
	if i < len(s.items) && s.items[i].Sequence == seq {
		return &s.items[i]
	}
	return nil
}

func (s *cidSet) byID(id []byte) *ConnectionID {
	for i := range s.items {
		if bytesEqual(s.items[i].ID, id) {
			return &s.items[i]
		}
	}
	return nil
}

// removeBelow drops entries with sequence < threshold, used when a
// RETIRE_CONNECTION_ID's implicit retire_prior_to advances.
func (s *cidSet) removeBelow(threshold uint64) (removed []ConnectionID) {
	i := 0
	for i < len(s.items) && s.items[i].Sequence < threshold {
		removed = append(removed, s.items[i])
		i++
	}
	if i > 0 {
		s.items = append([]ConnectionID(nil), s.items[i:]...)
	}
	return removed
}

// remove drops the entry with the given sequence, returning it.
func (s *cidSet) remove(seq uint64) (ConnectionID, bool) {
	i := sort.Search(len(s.items), func(i int) bool { return s.items[i].Sequence >= seq })
	if i >= len(s.items) || s.items[i].Sequence != seq {
		return ConnectionID{}, false
	}
	c := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	if s.active == int64(seq) {
		s.active = -1
	}
	return c, true
}

func (s *cidSet) lowestSequence() (*ConnectionID, bool) {
	if len(s.items) == 0 {
		return nil, false
	}
	return &s.items[0], true
}

func (s *cidSet) len() int {
	return len(s.items)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// statelessResetSecret derives a stateless reset token deterministically
// from a secret and a CID, rather than storing one per CID independently.
// Each connection draws its own random secret (newConn). This is how quant (the C implementation this spec was
// distilled from) avoids an unbounded reset-token table: the token is
// always re-derivable from the CID plus the secret, so "globally unique"
// (required by the concurrency model, §5) falls out of HMAC collision
// resistance instead of needing an explicit uniqueness check on insert.
type statelessResetSecret [32]byte

func (k statelessResetSecret) tokenFor(cid []byte) [StatelessResetTokenLength]byte {
	mac := hmac.New(sha256.New, k[:])
	mac.Write(cid)
	sum := mac.Sum(nil)
	var tok [StatelessResetTokenLength]byte
	copy(tok[:], sum[:StatelessResetTokenLength])
	return tok
}
