package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/edsrzf/mmap-go"
)

var (
	ErrNotArchive     = errors.New("not an ar archive")
	ErrMemberNotFound = errors.New("no such archive member")
)

// Member is one file stored in an archive.
type Member struct {
	Name string
	// Offset of the member data from the start of the archive.
	Offset int64
	Size   int64
}

// Reader is a read-only view of an archive mapped into memory.
type Reader struct {
	f       *os.File
	data    mmap.MMap
	members []Member
	index   map[string][]string // member name -> symbols, GNU index only
	indexed bool
}

// OpenReader maps path and parses its member table.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < int64(len(ar.GLOBAL_HEADER)) {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotArchive)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	r := &Reader{f: f, data: data}
	if err := r.parse(); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		err = r.data.Unmap()
		r.data = nil
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	return err
}

// Members returns the members in archive order, symbol index excluded.
func (r *Reader) Members() []Member {
	return r.members
}

// Names returns member names in archive order.
func (r *Reader) Names() []string {
	out := make([]string, len(r.members))
	for i, m := range r.members {
		out[i] = m.Name
	}
	return out
}

// Indexed reports whether the archive carries a symbol index.
func (r *Reader) Indexed() bool {
	return r.indexed
}

// Symbols returns the GNU index entries that point at member name.
func (r *Reader) Symbols(name string) []string {
	return r.index[name]
}

// Read returns the data of the first member called name. The slice aliases
// the mapping and is only valid until Close.
func (r *Reader) Read(name string) ([]byte, bool) {
	for _, m := range r.members {
		if m.Name == name {
			return r.Bytes(m), true
		}
	}
	return nil, false
}

func (r *Reader) Bytes(m Member) []byte {
	return r.data[m.Offset : m.Offset+m.Size]
}

func (r *Reader) parse() error {
	members, symtab, err := parseMembers(r.data)
	if err != nil {
		return err
	}
	r.members = members
	r.indexed = symtab != nil
	if symtab != nil && len(symtab.body) > 0 {
		r.index = decodeGNUIndex(symtab.body, symtab.headerOffsets, members)
	}
	return nil
}

type rawSymtab struct {
	body          []byte
	headerOffsets map[int64]int // member header offset -> index in members
}

// parseMembers walks the archive with blakesmith/ar and resolves GNU and
// BSD long names.
func parseMembers(data []byte) ([]Member, *rawSymtab, error) {
	if !bytes.HasPrefix(data, []byte(ar.GLOBAL_HEADER)) {
		return nil, nil, ErrNotArchive
	}
	br := bytes.NewReader(data)
	rd := ar.NewReader(br)

	var (
		members   []Member
		longNames []byte
		symtab    *rawSymtab
		headers   = make(map[int64]int)
	)
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read member header: %w", err)
		}
		off := br.Size() - int64(br.Len())
		hdrOff := off - ar.HEADER_BYTE_SIZE
		if hdr.Size < 0 || off+hdr.Size > int64(len(data)) {
			return nil, nil, fmt.Errorf("member %q is truncated", hdr.Name)
		}
		body := data[off : off+hdr.Size]
		name := hdr.Name
		size := hdr.Size

		switch {
		case name == "/" || name == "/SYM64/":
			symtab = &rawSymtab{body: body}
			continue
		case name == "//":
			longNames = body
			continue
		case strings.HasPrefix(name, "__.SYMDEF"):
			symtab = &rawSymtab{}
			continue
		case strings.HasPrefix(name, "#1/"):
			n, err := strconv.Atoi(strings.TrimSpace(name[3:]))
			if err != nil || int64(n) > size {
				return nil, nil, fmt.Errorf("bad BSD member name %q", name)
			}
			name = strings.TrimRight(string(body[:n]), "\x00")
			if strings.HasPrefix(name, "__.SYMDEF") {
				symtab = &rawSymtab{}
				continue
			}
			off += int64(n)
			size -= int64(n)
		case strings.HasPrefix(name, "/"):
			idx, err := strconv.Atoi(name[1:])
			if err != nil || idx < 0 || idx >= len(longNames) {
				return nil, nil, fmt.Errorf("bad long name reference %q", name)
			}
			rest := longNames[idx:]
			if end := bytes.Index(rest, []byte("/\n")); end >= 0 {
				rest = rest[:end]
			} else if end := bytes.IndexByte(rest, '\n'); end >= 0 {
				rest = rest[:end]
			}
			name = string(rest)
		default:
			name = strings.TrimSuffix(name, "/")
		}
		headers[hdrOff] = len(members)
		members = append(members, Member{Name: name, Offset: off, Size: size})
	}
	if symtab != nil {
		symtab.headerOffsets = headers
	}
	return members, symtab, nil
}

// decodeGNUIndex reads a System V / GNU symbol table: a big-endian count,
// that many member header offsets, then NUL-terminated names.
func decodeGNUIndex(body []byte, headers map[int64]int, members []Member) map[string][]string {
	if len(body) < 4 {
		return nil
	}
	n := int(binary.BigEndian.Uint32(body))
	if n < 0 || 4+4*n > len(body) {
		return nil
	}
	names := body[4+4*n:]
	out := make(map[string][]string)
	for i := 0; i < n; i++ {
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			break
		}
		sym := string(names[:end])
		names = names[end+1:]
		off := int64(binary.BigEndian.Uint32(body[4+4*i:]))
		if idx, ok := headers[off]; ok {
			m := members[idx].Name
			out[m] = append(out[m], sym)
		}
	}
	return out
}
