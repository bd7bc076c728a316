package quic

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/quince-io/quince/transport"
	"github.com/rs/xid"
)

// buildStamp identifies the binary's wire-format revision. A cache file
// stamped with a different value is stale (SessionState's on-disk shape can
// change across builds) and is unlinked rather than trusted, per §6.4.
var buildStamp = "quince-dev"

// ticketRecord is one entry of the session-ticket cache file: sni is the
// tls.ClientSessionCache key (also doubling as a human-readable server
// identifier), transportParams carries the wire-format tls.SessionState
// bytes alongside the ticket (so 0-RTT sizing decisions don't need a fresh
// handshake round-trip), and id is an in-memory handle assigned by xid.New
// when a record is created or loaded; it is not written to the file.
// alpn is reserved for a future file-format revision: tls.ClientSessionCache
// does not hand the negotiated protocol to Put, so it is always empty today.
type ticketRecord struct {
	id              xid.ID
	sni             string
	alpn            string
	transportParams []byte
	version         uint32
	ticket          []byte
}

// ticketStore persists TLS session tickets across process restarts and
// implements tls.ClientSessionCache so *tls.Config can use it directly, per
// §6.4's file format and §12's "cache 0-RTT-sizing transport parameters"
// supplement.
type ticketStore struct {
	mu      sync.Mutex
	path    string
	records map[string]ticketRecord // keyed by sessionKey (tls.ClientSessionCache's key)
}

func openTicketStore(path string) (*ticketStore, error) {
	s := &ticketStore{path: path, records: make(map[string]ticketRecord)}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *ticketStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp, err := readLengthPrefixed(f)
	if err != nil {
		return nil // empty or truncated: start fresh
	}
	if string(stamp) != buildStamp {
		f.Close()
		os.Remove(s.path)
		return nil
	}
	for {
		rec, err := readTicketRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		// sni doubles as the tls.ClientSessionCache key (see Put): keep
		// load and Get agreeing on the same lookup key.
		s.records[rec.sni] = rec
	}
	return nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readTicketRecord(r io.Reader) (ticketRecord, error) {
	var rec ticketRecord
	sni, err := readLengthPrefixed(r)
	if err != nil {
		return rec, err
	}
	alpn, err := readLengthPrefixed(r)
	if err != nil {
		return rec, err
	}
	params, err := readLengthPrefixed(r)
	if err != nil {
		return rec, err
	}
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return rec, err
	}
	ticket, err := readLengthPrefixed(r)
	if err != nil {
		return rec, err
	}
	rec.sni = string(sni)
	rec.alpn = string(alpn)
	rec.transportParams = params
	rec.version = version
	rec.ticket = ticket
	rec.id = xid.New()
	return rec, nil
}

// Get implements tls.ClientSessionCache.
func (s *ticketStore) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	s.mu.Lock()
	rec, ok := s.records[sessionKey]
	s.mu.Unlock()
	if !ok || len(rec.ticket) == 0 {
		return nil, false
	}
	state, err := tls.ParseSessionState(rec.transportParams)
	if err != nil {
		return nil, false
	}
	cs, err := tls.NewResumptionState(rec.ticket, state)
	if err != nil {
		return nil, false
	}
	return cs, true
}

// Put implements tls.ClientSessionCache. cs == nil clears the entry.
func (s *ticketStore) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		s.mu.Lock()
		delete(s.records, sessionKey)
		s.mu.Unlock()
		return
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil {
		return
	}
	raw, err := state.Bytes()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.records[sessionKey] = ticketRecord{
		id:              xid.New(),
		sni:             sessionKey,
		version:         transport.Version,
		transportParams: raw,
		ticket:          ticket,
	}
	s.mu.Unlock()
	s.flush()
}

// flush rewrites the cache file in full; called after every Put since the
// cache is small (one entry per distinct server) and writes are rare
// relative to handshakes.
func (s *ticketStore) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Create(s.path)
	if err != nil {
		return
	}
	defer f.Close()
	writeLengthPrefixed(f, []byte(buildStamp))
	for _, rec := range s.records {
		writeLengthPrefixed(f, []byte(rec.sni))
		writeLengthPrefixed(f, []byte(rec.alpn))
		writeLengthPrefixed(f, rec.transportParams)
		binary.Write(f, binary.BigEndian, rec.version)
		writeLengthPrefixed(f, rec.ticket)
	}
}

func writeLengthPrefixed(w io.Writer, b []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(b)))
	w.Write(b)
}

func (s *ticketStore) close() {
	s.flush()
}
