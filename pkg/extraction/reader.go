package extraction

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// HeadSize is the number of leading bytes fingerprinted to detect rewrites.
const HeadSize = 4096

// ErrRewritten indicates that bytes before the checkpoint offset changed.
var ErrRewritten = errors.New("file rewritten since last checkpoint")

// Position marks how far a file has already been consumed.
type Position struct {
	Offset   int64
	HeadHash string
}

// Chunk holds the records appended to a file since a position.
type Chunk struct {
	File    ObjectFile
	From    int64
	To      int64
	Lines   int
	Head    string
	Records []Record
}

// Empty reports whether the chunk consumed no bytes.
func (c *Chunk) Empty() bool {
	return c.To == c.From
}

// HeadHash fingerprints the first min(HeadSize, n) bytes of head.
func HeadHash(head []byte, n int64) string {
	if n < int64(len(head)) {
		head = head[:n]
	}
	sum := blake3.Sum256(head)
	return hex.EncodeToString(sum[:16])
}

// ReadFrom reads every complete line after pos. A trailing line without a
// newline is left for a later run. It returns ErrRewritten when the file is
// shorter than pos or its head no longer matches, and ErrMalformed on the
// first unparseable line.
func ReadFrom(file ObjectFile, pos Position) (*Chunk, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if file.Compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	head := make([]byte, HeadSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read head: %w", err)
	}
	head = head[:n]

	if pos.Offset > 0 {
		if int64(n) < min(pos.Offset, HeadSize) || HeadHash(head, pos.Offset) != pos.HeadHash {
			return nil, ErrRewritten
		}
	}

	body := io.MultiReader(bytes.NewReader(head), r)
	if skipped, err := io.CopyN(io.Discard, body, pos.Offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%d of %d bytes: %w", skipped, pos.Offset, ErrRewritten)
		}
		return nil, fmt.Errorf("skip to offset: %w", err)
	}

	chunk := &Chunk{File: file, From: pos.Offset, To: pos.Offset}
	br := bufio.NewReaderSize(body, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read line: %w", err)
		}

		lineNo := chunk.Lines + 1
		content := line[:len(line)-1]
		if len(bytes.TrimSpace(content)) > 0 {
			l, perr := ParseLine(content)
			if perr != nil {
				return nil, fmt.Errorf("offset %d line %d: %w", chunk.To, lineNo, perr)
			}
			blobID := l.BlobID
			if blobID == "" {
				blobID = file.BlobID
			}
			chunk.Records = append(chunk.Records, Record{
				ObjectKey: file.ObjectKey,
				AssetType: file.AssetType,
				BlobID:    blobID,
				Timestamp: l.Timestamp,
				BytesSent: l.BytesSent,
				IP:        l.IP,
			})
		}
		chunk.Lines++
		chunk.To += int64(len(line))
	}

	chunk.Head = HeadHash(head, chunk.To)
	return chunk, nil
}
