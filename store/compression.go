package store

import (
	"context"
	"encoding/binary"

	"github.com/pierrec/lz4/v3"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
)

// Stream format constants. The on-disk layout is:
//
//	header:       version(u8) | block_size(u32 LE) | upload_type(u32 LE) | upload_size(u32 LE)
//	body frames:  frame_type(u8) | frame_payload
//	footer frame: frame_type(u8) | footer_len(u32 LE) | footer payload
//	footer payload (fixed-int LE, in order):
//	              index_len(u64) | indexes(u32 × n) | index_count(u32) |
//	              uncompressed_data_size(u64) | block_size(u32) | version(u8)
//
// Body frames carry no length field of their own. Each index entry is the
// byte delta from the previous block frame's start, so prefix sums recover
// every block's extent for ranged reads; the last block's extent is implied
// by the footer frame's own position.
const (
	// CurrentStreamFormatVersion identifies this layout.
	CurrentStreamFormatVersion uint8 = 1

	// DefaultBlockSize is used when the config leaves block_size zero.
	DefaultBlockSize uint32 = 64 * 1024

	chunkFrameType uint8 = 0
	// FooterFrameType marks the trailing index frame.
	FooterFrameType uint8 = 1
	// rawChunkFrameType marks a block stored uncompressed because LZ4 could
	// not shrink it.
	rawChunkFrameType uint8 = 2

	uploadTypeExactSize uint32 = 0
	uploadTypeMaxSize   uint32 = 1

	compressionHeaderSize = 1 + 4 + 4 + 4
	chunkFrameHeaderSize  = 1
	// footerFrameHeaderSize covers the footer's frame_type(u8) plus the
	// footer_len(u32) only the footer frame carries.
	footerFrameHeaderSize = 1 + 4
	// footerTrailerSize covers the fixed-size tail of the footer payload:
	// index_count(u32) + uncompressed(u64) + block_size(u32) + version(u8).
	footerTrailerSize = 4 + 8 + 4 + 1
)

// CompressionStore wraps a backend with a framed LZ4 block encoding.
// Ranged reads consult the footer's block index and fetch only the frames
// covering the requested window.
type CompressionStore struct {
	backend   Store
	blockSize uint32
}

// NewCompression wraps backend; blockSize zero selects the default.
func NewCompression(backend Store, blockSize uint32) *CompressionStore {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &CompressionStore{backend: backend, blockSize: blockSize}
}

func (s *CompressionStore) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	return s.backend.HasWithResults(ctx, digests, results)
}

func (s *CompressionStore) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	innerW, innerR := bufchan.New()

	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	backendErr := make(chan error, 1)
	go func() {
		err := s.backend.Update(ctx, d, innerR, MaxSize(compressedSizeBound(size.Bytes, s.blockSize)))
		backendErr <- err
		cancelPump()
	}()

	pumpErr := func() error {
		header := make([]byte, compressionHeaderSize)
		header[0] = CurrentStreamFormatVersion
		binary.LittleEndian.PutUint32(header[1:], s.blockSize)
		uploadType := uploadTypeMaxSize
		if size.Exact {
			uploadType = uploadTypeExactSize
		}
		binary.LittleEndian.PutUint32(header[5:], uploadType)
		binary.LittleEndian.PutUint32(header[9:], uint32(size.Bytes))
		if err := innerW.Send(pumpCtx, header); err != nil {
			return errs.Wrap(err, "failed to write compression header")
		}

		hashTable := make([]int, 1<<16)
		var frameSizes []uint32
		var uncompressed uint64
		for {
			block, err := r.Take(pumpCtx, int(s.blockSize))
			if err != nil {
				_ = innerW.Close()
				return errs.Wrap(err, "failed to read block in compression store")
			}
			if len(block) == 0 {
				break // EOF.
			}
			uncompressed += uint64(len(block))

			frameType := chunkFrameType
			payload := make([]byte, lz4.CompressBlockBound(len(block)))
			n, err := lz4.CompressBlock(block, payload, hashTable)
			if err != nil {
				_ = innerW.Close()
				return errs.New(errs.Internal, "failed to compress block: %v", err)
			}
			if n == 0 || n >= len(block) {
				// Incompressible block; store it verbatim.
				frameType = rawChunkFrameType
				payload = block
			} else {
				payload = payload[:n]
			}

			// Body frames are the type byte followed directly by the payload;
			// extents are recovered from the footer's index deltas.
			frame := make([]byte, chunkFrameHeaderSize+len(payload))
			frame[0] = frameType
			copy(frame[chunkFrameHeaderSize:], payload)
			if err := innerW.Send(pumpCtx, frame); err != nil {
				return errs.Wrap(err, "failed to write block frame")
			}
			frameSizes = append(frameSizes, uint32(len(frame)))
		}

		// The footer records deltas between successive block starts, so the
		// final block contributes no entry.
		indexes := frameSizes
		if len(indexes) > 0 {
			indexes = indexes[:len(indexes)-1]
		}
		if err := innerW.Send(pumpCtx, encodeFooterFrame(indexes, uncompressed, s.blockSize)); err != nil {
			return errs.Wrap(err, "failed to write footer frame")
		}
		return errs.Wrap(innerW.SendEOF(pumpCtx), "failed to send EOF to backend in compression store")
	}()
	return errs.Merge(pumpErr, <-backendErr)
}

// compressedSizeBound is a worst-case output size for the inner update's
// size hint.
func compressedSizeBound(uncompressed int64, blockSize uint32) int64 {
	blocks := uncompressed/int64(blockSize) + 1
	perBlock := int64(lz4.CompressBlockBound(int(blockSize))) + chunkFrameHeaderSize
	footer := int64(footerFrameHeaderSize + 8 + 4*blocks + footerTrailerSize)
	return compressionHeaderSize + blocks*perBlock + footer
}

func encodeFooterFrame(indexes []uint32, uncompressed uint64, blockSize uint32) []byte {
	payloadLen := 8 + 4*len(indexes) + footerTrailerSize
	frame := make([]byte, footerFrameHeaderSize+payloadLen)
	frame[0] = FooterFrameType
	binary.LittleEndian.PutUint32(frame[1:], uint32(payloadLen))
	p := frame[footerFrameHeaderSize:]
	binary.LittleEndian.PutUint64(p, uint64(len(indexes)))
	pos := 8
	for _, idx := range indexes {
		binary.LittleEndian.PutUint32(p[pos:], idx)
		pos += 4
	}
	binary.LittleEndian.PutUint32(p[pos:], uint32(len(indexes)))
	pos += 4
	binary.LittleEndian.PutUint64(p[pos:], uncompressed)
	pos += 8
	binary.LittleEndian.PutUint32(p[pos:], blockSize)
	pos += 4
	p[pos] = CurrentStreamFormatVersion
	return frame
}

// Footer is the decoded trailing index of a compressed object.
type Footer struct {
	Indexes              []uint32
	IndexCount           uint32
	UncompressedDataSize uint64
	BlockSize            uint32
	Version              uint8
}

// ParseFooter decodes a footer frame from the raw tail of a compressed
// object. The slice must end exactly at the end of the object.
func ParseFooter(tail []byte) (Footer, error) {
	var f Footer
	if len(tail) < footerFrameHeaderSize+8+footerTrailerSize {
		return f, errs.New(errs.Internal, "footer tail too short: %d bytes", len(tail))
	}
	end := len(tail)
	f.Version = tail[end-1]
	f.BlockSize = binary.LittleEndian.Uint32(tail[end-5:])
	f.UncompressedDataSize = binary.LittleEndian.Uint64(tail[end-13:])
	f.IndexCount = binary.LittleEndian.Uint32(tail[end-17:])
	n := int(f.IndexCount)
	need := footerFrameHeaderSize + 8 + 4*n + footerTrailerSize
	if len(tail) < need {
		return f, errs.New(errs.Internal, "footer tail too short for %d indexes", n)
	}
	start := end - need
	if tail[start] != FooterFrameType {
		return f, errs.New(errs.Internal, "expected footer frame type %d, got %d", FooterFrameType, tail[start])
	}
	footerLen := binary.LittleEndian.Uint32(tail[start+1:])
	if int(footerLen) != need-footerFrameHeaderSize {
		return f, errs.New(errs.Internal, "footer length %d does not match layout %d", footerLen, need-footerFrameHeaderSize)
	}
	bincodeCount := binary.LittleEndian.Uint64(tail[start+footerFrameHeaderSize:])
	if bincodeCount != uint64(n) {
		return f, errs.New(errs.Internal, "footer index counts disagree: %d vs %d", bincodeCount, n)
	}
	f.Indexes = make([]uint32, n)
	for i := 0; i < n; i++ {
		f.Indexes[i] = binary.LittleEndian.Uint32(tail[start+footerFrameHeaderSize+8+4*i:])
	}
	if f.Version != CurrentStreamFormatVersion {
		return f, errs.New(errs.Internal, "unsupported stream format version %d", f.Version)
	}
	return f, nil
}

// footerFrameSize returns the full frame size for a footer with n indexes.
func footerFrameSize(n int) int64 {
	return int64(footerFrameHeaderSize + 8 + 4*n + footerTrailerSize)
}

func (s *CompressionStore) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	storedSize, ok, err := Has(ctx, s.backend, d)
	if err != nil {
		return errs.Wrap(err, "failed to run has() on backend in compression store")
	}
	if !ok {
		return errs.New(errs.NotFound, "hash %s not found", d.HashString())
	}

	// Two ranged reads recover the footer: the fixed trailer first to learn
	// the index count, then the whole footer frame.
	trailer, err := ReadAll(ctx, s.backend, d, storedSize-footerTrailerSize, footerTrailerSize)
	if err != nil {
		return errs.Wrap(err, "failed to read footer trailer")
	}
	indexCount := int(binary.LittleEndian.Uint32(trailer[:4]))
	footerSize := footerFrameSize(indexCount)
	tail, err := ReadAll(ctx, s.backend, d, storedSize-footerSize, footerSize)
	if err != nil {
		return errs.Wrap(err, "failed to read footer frame")
	}
	footer, err := ParseFooter(tail)
	if err != nil {
		return errs.Wrap(err, "failed to parse footer")
	}

	uncompressed := int64(footer.UncompressedDataSize)
	blockSize := int64(footer.BlockSize)
	if offset > uncompressed {
		return errs.New(errs.InvalidArgument, "offset %d exceeds object size %d", offset, uncompressed)
	}
	end := uncompressed
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	if end <= offset {
		return errs.Wrap(w.SendEOF(ctx), "error sending EOF in compression store")
	}

	// Prefix sums over the index deltas give every block frame's start.
	totalBlocks := int((uncompressed + blockSize - 1) / blockSize)
	if totalBlocks > 0 && len(footer.Indexes) != totalBlocks-1 {
		return errs.New(errs.Internal, "footer has %d indexes for %d blocks", len(footer.Indexes), totalBlocks)
	}
	starts := make([]int64, totalBlocks+1)
	starts[0] = compressionHeaderSize
	for i := 0; i < totalBlocks-1; i++ {
		starts[i+1] = starts[i] + int64(footer.Indexes[i])
	}
	starts[totalBlocks] = storedSize - footerSize

	firstBlock := int(offset / blockSize)
	lastBlock := int((end - 1) / blockSize)
	raw, err := ReadAll(ctx, s.backend, d, starts[firstBlock], starts[lastBlock+1]-starts[firstBlock])
	if err != nil {
		return errs.Wrap(err, "failed to read block frames")
	}

	// Body frames have no length field; each frame's extent comes from the
	// footer-derived starts table.
	pos := int64(0)
	for block := firstBlock; block <= lastBlock; block++ {
		frameLen := starts[block+1] - starts[block]
		if frameLen < chunkFrameHeaderSize+1 || pos+frameLen > int64(len(raw)) {
			return errs.New(errs.Internal, "truncated block frame at %d", pos)
		}
		frameType := raw[pos]
		payload := raw[pos+chunkFrameHeaderSize : pos+frameLen]
		pos += frameLen

		var data []byte
		switch frameType {
		case chunkFrameType:
			data = make([]byte, blockSize)
			n, err := lz4.UncompressBlock(payload, data)
			if err != nil {
				return errs.New(errs.Internal, "failed to decompress block %d: %v", block, err)
			}
			data = data[:n]
		case rawChunkFrameType:
			data = payload
		default:
			return errs.New(errs.Internal, "unexpected frame type %d in block %d", frameType, block)
		}

		blockStart := int64(block) * blockSize
		window := sliceWindow(data, blockStart, offset, end)
		if len(window) > 0 {
			if err := w.Send(ctx, window); err != nil {
				return errs.Wrap(err, "error writing data to writer in compression store")
			}
		}
	}
	return errs.Wrap(w.SendEOF(ctx), "error sending EOF in compression store")
}

func (s *CompressionStore) OptimizedFor(opt Optimization) bool { return false }

func (s *CompressionStore) InnerStore(d *digest.Digest) Store { return s }
