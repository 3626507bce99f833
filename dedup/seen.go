// Package dedup tracks which messages a POP3 account has already fetched
// with Keep enabled, so a second run against the same mailbox (POP3 has no
// append-only cursor the way maildir's new/ directory does) does not
// redeliver them. It is a persisted bloom filter, adapted from the
// teacher's junk package bloom filter used there for junk-message training
// data.
package dedup

import (
	"errors"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/nmarriott/mailfdm/mlog"
)

var errWidth = errors.New("k and width wider than 256 bits and width not more than 32")
var errPowerOfTwo = errors.New("data not a power of two")

// Seen is a bloom filter of message identities (typically UIDL strings)
// already fetched for one POP3 account.
type Seen struct {
	data     []byte
	k        int // Number of bits stored/looked up per value.
	w        int // Number of bits needed to address a single bit position.
	modified bool

	log *mlog.Log
}

func bloomWidth(fileSize int) int {
	w := 0
	for bits := uint32(fileSize * 8); bits > 1; bits >>= 1 {
		w++
	}
	return w
}

func bloomValid(fileSize, k int) (int, error) {
	w := bloomWidth(fileSize)
	if 1<<w != fileSize*8 {
		return 0, errPowerOfTwo
	}
	if k*w > 256 || w > 32 {
		return 0, errWidth
	}
	return w, nil
}

// New returns a Seen filter backed by data, whose length in bits must be a
// power of two. k is the number of hash positions stored/looked up per
// value; k*width must not exceed 256.
func New(log *mlog.Log, data []byte, k int) (*Seen, error) {
	w, err := bloomValid(len(data), k)
	if err != nil {
		return nil, err
	}
	return &Seen{data: data, k: k, w: w, log: log}, nil
}

// Load reads a persisted filter from path, creating a fresh zeroed one of
// size bits (a power of two) if the file does not yet exist.
func Load(log *mlog.Log, path string, size, k int) (*Seen, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		data = make([]byte, size/8)
	}
	return New(log, data, k)
}

// Add marks s as seen.
func (s *Seen) Add(v string) {
	h := hash([]byte(v), s.w)
	for range s.k {
		s.set(h.nextPos())
	}
}

// Has reports whether v was previously marked seen.
func (s *Seen) Has(v string) bool {
	h := hash([]byte(v), s.w)
	for range s.k {
		if !s.has(h.nextPos()) {
			return false
		}
	}
	return true
}

// Modified reports whether Add has set any new bit since the filter was
// loaded or last written.
func (s *Seen) Modified() bool {
	return s.modified
}

// Write persists the filter to path if it has been modified.
func (s *Seen) Write(path string) error {
	if !s.modified {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0660)
	if err != nil {
		return err
	}
	if _, err := f.Write(s.data); err != nil {
		if xerr := f.Close(); xerr != nil {
			s.log.Debugx("closing seen file after write failed", xerr)
		}
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.modified = false
	return nil
}

func (s *Seen) has(p int) bool {
	v := s.data[p>>3] >> (7 - (p & 7))
	return v&1 != 0
}

func (s *Seen) set(p int) {
	by := p >> 3
	bi := p & 0x7
	var v byte = 1 << (7 - bi)
	if s.data[by]&v == 0 {
		s.data[by] |= v
		s.modified = true
	}
}

type bits struct {
	width int
	buf   []byte
	cur   uint64
	ncur  int
}

func hash(v []byte, width int) *bits {
	buf := blake2b.Sum256(v)
	return &bits{width: width, buf: buf[:]}
}

func (b *bits) nextPos() (v int) {
	if b.width > b.ncur {
		for len(b.buf) > 0 && b.ncur < 64-8 {
			b.cur <<= 8
			b.cur |= uint64(b.buf[0])
			b.ncur += 8
			b.buf = b.buf[1:]
		}
	}
	v = int((b.cur >> (b.ncur - b.width)) & ((1 << b.width) - 1))
	b.ncur -= b.width
	return v
}
