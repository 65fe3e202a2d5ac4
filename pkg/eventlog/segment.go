package eventlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Segment file layout:
//
//	header:  magic [8] | format version u32 | start sequence u64 | prev segment final hash [32]
//	records: length u32 | JSON-encoded Event
//
// Segments are named %020d.seg by the sequence of their first event. A closed
// segment may be compressed in place to %020d.seg.zst; readers handle both.

const (
	segmentMagic   = "RELAYSEG"
	segmentVersion = 1
	headerSize     = 8 + 4 + 8 + 32

	segmentSuffix    = ".seg"
	compressedSuffix = ".seg.zst"

	// maxRecordSize bounds a single framed record. Anything larger is treated
	// as a corrupt length prefix rather than an allocation request.
	maxRecordSize = 16 << 20
)

type segmentHeader struct {
	startSeq uint64
	prevHash [32]byte
}

func encodeHeader(h segmentHeader) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], segmentMagic)
	binary.BigEndian.PutUint32(buf[8:12], segmentVersion)
	binary.BigEndian.PutUint64(buf[12:20], h.startSeq)
	copy(buf[20:52], h.prevHash[:])
	return buf
}

func decodeHeader(buf []byte) (segmentHeader, error) {
	var h segmentHeader
	if len(buf) < headerSize {
		return h, fmt.Errorf("segment header truncated: %d bytes", len(buf))
	}
	if string(buf[0:8]) != segmentMagic {
		return h, fmt.Errorf("bad segment magic %q", buf[0:8])
	}
	if v := binary.BigEndian.Uint32(buf[8:12]); v != segmentVersion {
		return h, fmt.Errorf("unsupported segment format version %d", v)
	}
	h.startSeq = binary.BigEndian.Uint64(buf[12:20])
	copy(h.prevHash[:], buf[20:52])
	return h, nil
}

func segmentName(startSeq uint64) string {
	return fmt.Sprintf("%020d%s", startSeq, segmentSuffix)
}

// segmentInfo describes one segment in the in-memory index.
type segmentInfo struct {
	path       string
	startSeq   uint64
	compressed bool
}

// listSegments returns the segments in dir ordered by start sequence.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}
	var segs []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		var compressed bool
		var numPart string
		switch {
		case strings.HasSuffix(name, compressedSuffix):
			compressed = true
			numPart = strings.TrimSuffix(name, compressedSuffix)
		case strings.HasSuffix(name, segmentSuffix):
			numPart = strings.TrimSuffix(name, segmentSuffix)
		default:
			continue
		}
		var start uint64
		if _, err := fmt.Sscanf(numPart, "%d", &start); err != nil {
			return nil, fmt.Errorf("unparseable segment name %q", name)
		}
		segs = append(segs, segmentInfo{
			path:       filepath.Join(dir, name),
			startSeq:   start,
			compressed: compressed,
		})
	}
	// Names are zero-padded so lexical order from ReadDir is sequence order,
	// except when a segment exists in both plain and compressed form (crash
	// during compression). Prefer the plain file in that case.
	out := segs[:0]
	for i, s := range segs {
		if i > 0 && out[len(out)-1].startSeq == s.startSeq {
			if out[len(out)-1].compressed && !s.compressed {
				out[len(out)-1] = s
			}
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// openSegmentReader opens a segment for sequential record reads, transparently
// decompressing .seg.zst files. Close the returned closer when done.
func openSegmentReader(info segmentInfo) (*segmentScanner, error) {
	f, err := os.Open(info.path)
	if err != nil {
		return nil, err
	}
	var r io.Reader = f
	var dec *zstd.Decoder
	if info.compressed {
		dec, err = zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd reader: %w", err)
		}
		r = dec
	}
	br := bufio.NewReader(r)
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		if dec != nil {
			dec.Close()
		}
		f.Close()
		return nil, fmt.Errorf("read segment header: %w", err)
	}
	h, err := decodeHeader(hdr)
	if err != nil {
		if dec != nil {
			dec.Close()
		}
		f.Close()
		return nil, err
	}
	return &segmentScanner{file: f, dec: dec, r: br, header: h, offset: headerSize}, nil
}

// segmentScanner iterates the records of one segment.
type segmentScanner struct {
	file   *os.File
	dec    *zstd.Decoder
	r      *bufio.Reader
	header segmentHeader
	offset int64 // byte offset of the next record (uncompressed segments only)
}

// next returns the next event, io.EOF at a clean end, or errTornRecord when
// the remaining bytes do not form a complete record.
func (s *segmentScanner) next() (*Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errTornRecord
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxRecordSize {
		return nil, errTornRecord
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, errTornRecord
	}
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, errTornRecord
	}
	s.offset += int64(4 + n)
	return &e, nil
}

func (s *segmentScanner) close() {
	if s.dec != nil {
		s.dec.Close()
	}
	s.file.Close()
}

var errTornRecord = fmt.Errorf("torn record")

// compressSegment rewrites a closed segment as .seg.zst and removes the
// original. A crash between the two steps leaves both files; listSegments
// prefers the plain one, so compression is retried or abandoned harmlessly.
func compressSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := strings.TrimSuffix(path, segmentSuffix) + compressedSuffix
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return "", err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dstPath, nil
}
