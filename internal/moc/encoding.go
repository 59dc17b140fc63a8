package moc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/mocgen/internal/frame"
	"github.com/mohammed-shakir/mocgen/internal/healpix"
)

var ErrMalformed = errors.New("malformed moc")

// MarshalJSON writes the IVOA JSON MOC form: an object from order to the
// sorted cell ids at that order, with MaxOrder always present.
func (s *Set) MarshalJSON() ([]byte, error) {
	out := map[string][]uint64{}
	for _, c := range s.Cells() {
		k := strconv.Itoa(c.Order)
		out[k] = append(out[k], c.ID)
	}
	if k := strconv.Itoa(s.maxOrder); out[k] == nil {
		out[k] = []uint64{}
	}
	return json.Marshal(out)
}

// String renders the set in the IVOA ASCII MOC form, e.g. "3/1-3,8 5/120".
// A trailing "maxOrder/" token is written when no cell sits at MaxOrder.
func (s *Set) String() string {
	cells := s.Cells()
	var b strings.Builder
	deepest := -1
	for i := 0; i < len(cells); {
		o := cells[i].Order
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(o))
		b.WriteByte('/')
		first := true
		for i < len(cells) && cells[i].Order == o {
			start := cells[i].ID
			end := start
			i++
			for i < len(cells) && cells[i].Order == o && cells[i].ID == end+1 {
				end++
				i++
			}
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(strconv.FormatUint(start, 10))
			if end > start {
				b.WriteByte('-')
				b.WriteString(strconv.FormatUint(end, 10))
			}
		}
		deepest = o
	}
	if deepest < s.maxOrder {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(s.maxOrder))
		b.WriteByte('/')
	}
	return b.String()
}

// ParseASCII reads an ASCII MOC into a new set with the given bounds.
// Whitespace and commas both separate tokens.
func ParseASCII(text string, f frame.Frame, minOrder, maxOrder int) (*Set, error) {
	s, err := New(f, minOrder, maxOrder)
	if err != nil {
		return nil, err
	}
	s.check = false
	order := -1
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ','
	})
	for _, tok := range fields {
		if i := strings.IndexByte(tok, '/'); i >= 0 {
			o, err := strconv.Atoi(tok[:i])
			if err != nil {
				return nil, fmt.Errorf("%w: order %q", ErrMalformed, tok[:i])
			}
			if err := healpix.ValidateOrder(o); err != nil {
				return nil, err
			}
			order = o
			tok = tok[i+1:]
			if tok == "" {
				continue
			}
		}
		if order < 0 {
			return nil, fmt.Errorf("%w: cell %q before any order", ErrMalformed, tok)
		}
		lo, hi := tok, tok
		if j := strings.IndexByte(tok, '-'); j >= 0 {
			lo, hi = tok[:j], tok[j+1:]
		}
		a, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cell %q", ErrMalformed, tok)
		}
		z, err := strconv.ParseUint(hi, 10, 64)
		if err != nil || z < a {
			return nil, fmt.Errorf("%w: range %q", ErrMalformed, tok)
		}
		for id := a; id <= z; id++ {
			if err := s.Add(order, id); err != nil {
				return nil, err
			}
		}
	}
	s.SetCheckConsistency(true)
	return s, nil
}

var binaryMagic = [4]byte{'M', 'O', 'C', '1'}

// MarshalBinary encodes the set as a header followed by uvarint NUNIQ values
// (4·4^order + id) in ascending (order, id) order.
func (s *Set) MarshalBinary() ([]byte, error) {
	cells := s.Cells()
	buf := bytes.NewBuffer(make([]byte, 0, 16+len(cells)*4))
	buf.Write(binaryMagic[:])
	buf.WriteByte(byte(s.frame))
	buf.WriteByte(byte(s.minOrder))
	buf.WriteByte(byte(s.maxOrder))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(cells)))
	buf.Write(tmp[:n])
	for _, c := range cells {
		n = binary.PutUvarint(tmp[:], Uniq(c))
		buf.Write(tmp[:n])
	}
	return buf.Bytes(), nil
}

func (s *Set) UnmarshalBinary(data []byte) error {
	if len(data) < 7 || !bytes.Equal(data[:4], binaryMagic[:]) {
		return fmt.Errorf("%w: bad header", ErrMalformed)
	}
	out, err := New(frame.Frame(data[4]), int(data[5]), int(data[6]))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	r := bytes.NewReader(data[7:])
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("%w: count: %w", ErrMalformed, err)
	}
	out.check = false
	for i := uint64(0); i < count; i++ {
		u, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("%w: cell %d: %w", ErrMalformed, i, err)
		}
		c, err := FromUniq(u)
		if err != nil {
			return err
		}
		if err := out.AddCell(c); err != nil {
			return err
		}
	}
	out.SetCheckConsistency(true)
	*s = *out
	return nil
}

// Uniq returns the NUNIQ number of a cell.
func Uniq(c healpix.Cell) uint64 {
	return 4<<(2*uint(c.Order)) + c.ID
}

func FromUniq(u uint64) (healpix.Cell, error) {
	if u < 4 {
		return healpix.Cell{}, fmt.Errorf("%w: uniq %d", ErrMalformed, u)
	}
	order := 0
	for o := healpix.MaxOrder; o >= 0; o-- {
		if u >= 4<<(2*uint(o)) {
			order = o
			break
		}
	}
	c := healpix.Cell{Order: order, ID: u - 4<<(2*uint(order))}
	if !c.Valid() {
		return healpix.Cell{}, fmt.Errorf("%w: uniq %d", ErrMalformed, u)
	}
	return c, nil
}
