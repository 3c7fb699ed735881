// Package bytestream implements the streaming blob front door: resource
// name parsing and the Read/Write endpoints that splice client streams into
// the store pipeline. Transport plumbing stays outside; the server is
// written against gRPC-shaped stream interfaces and returns gRPC statuses.
package bytestream

import (
	"context"

	"go.uber.org/zap"

	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
	"github.com/gurre/remexec/metrics"
	"github.com/gurre/remexec/store"
)

// ReadRequest asks for a window of a blob.
type ReadRequest struct {
	ResourceName string
	ReadOffset   int64
	// ReadLimit zero means no limit.
	ReadLimit int64
}

// ReadResponse carries one frame of blob data.
type ReadResponse struct {
	Data []byte
}

// WriteRequest carries one frame of an upload. The first frame names the
// resource; the last sets FinishWrite.
type WriteRequest struct {
	ResourceName string
	WriteOffset  int64
	FinishWrite  bool
	Data         []byte
}

// WriteResponse closes an upload with the number of bytes committed.
type WriteResponse struct {
	CommittedSize int64
}

// QueryWriteStatusRequest asks how much of an upload was committed.
type QueryWriteStatusRequest struct {
	ResourceName string
}

// QueryWriteStatusResponse reports upload progress.
type QueryWriteStatusResponse struct {
	CommittedSize int64
	Complete      bool
}

// ReadServerStream is the server side of a Read call.
type ReadServerStream interface {
	Send(*ReadResponse) error
	Context() context.Context
}

// WriteServerStream is the server side of a Write call.
type WriteServerStream interface {
	Recv() (*WriteRequest, error)
	SendAndClose(*WriteResponse) error
	Context() context.Context
}

// Server splices bytestream clients into per-instance CAS stores.
type Server struct {
	stores            map[string]store.Store
	maxBytesPerStream int
	logger            *zap.Logger
	metrics           *metrics.Metrics
}

// NewServer creates a bytestream server. casStores maps instance names to
// their stores; maxBytesPerStream bounds the data per response frame.
func NewServer(casStores map[string]store.Store, maxBytesPerStream int, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		stores:            casStores,
		maxBytesPerStream: maxBytesPerStream,
		logger:            logger,
		metrics:           m,
	}
}

func (s *Server) storeFor(instanceName string) (store.Store, error) {
	st, ok := s.stores[instanceName]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "'instance_name' not configured for %q", instanceName)
	}
	return st, nil
}

// Read streams a blob window to the client. The producing store task and
// the response loop are connected by a byte channel; an error on either
// side tears both down, with the producer's error merged in so the client
// sees the real cause.
func (s *Server) Read(req *ReadRequest, stream ReadServerStream) error {
	if err := s.read(req, stream); err != nil {
		s.logger.Warn("read failed", zap.String("resource", req.ResourceName), zap.Error(err))
		return errs.GRPCStatus(err).Err()
	}
	return nil
}

func (s *Server) read(req *ReadRequest, stream ReadServerStream) error {
	ctx := stream.Context()
	info, err := ParseResourceName(req.ResourceName)
	if err != nil {
		return err
	}
	d, err := digest.New(info.Hash, info.ExpectedSize)
	if err != nil {
		return err
	}
	st, err := s.storeFor(info.InstanceName)
	if err != nil {
		return err
	}
	limit := int64(-1)
	if req.ReadLimit > 0 {
		limit = req.ReadLimit
	} else if req.ReadLimit < 0 {
		return errs.New(errs.InvalidArgument, "read_limit must not be negative, got %d", req.ReadLimit)
	}

	w, r := bufchan.New()
	producerErr := make(chan error, 1)
	go func() {
		err := st.GetPart(ctx, d, w, req.ReadOffset, limit)
		if err != nil {
			// Wake the consuming side; without an EOF its next read errors.
			_ = w.Close()
		}
		producerErr <- err
	}()

	for {
		chunk, err := r.Take(ctx, s.maxBytesPerStream)
		if err != nil {
			_ = r.Close()
			merged := errs.Merge(<-producerErr, errs.Wrap(err, "error reading data from underlying store"))
			if e, ok := merged.(*errs.Error); ok && e.Code == errs.NotFound {
				// NotFound is common; don't ship a deep context trail.
				e.TruncateToLastMessage()
			}
			return merged
		}
		if len(chunk) == 0 {
			// Clean EOF from the store side.
			return <-producerErr
		}
		s.metrics.RecordBytesDownloaded(int64(len(chunk)))
		if err := stream.Send(&ReadResponse{Data: chunk}); err != nil {
			_ = r.Close()
			<-producerErr
			return errs.New(errs.Internal, "failed to send response frame: %v", err)
		}
	}
}

// Write consumes an upload stream into the store. The first frame names the
// resource; the wrapper enforces the size bookkeeping invariants while a
// background task drives the store update.
func (s *Server) Write(stream WriteServerStream) error {
	resp, err := s.write(stream)
	if err != nil {
		s.logger.Warn("write failed", zap.Error(err))
		return errs.GRPCStatus(err).Err()
	}
	return stream.SendAndClose(resp)
}

func (s *Server) write(stream WriteServerStream) (*WriteResponse, error) {
	ctx := stream.Context()
	wrapper, err := newWriteStreamWrapper(stream)
	if err != nil {
		return nil, errs.Wrap(err, "could not unwrap first stream message")
	}
	d, err := digest.New(wrapper.hash, wrapper.expectedSize)
	if err != nil {
		return nil, err
	}
	st, err := s.storeFor(wrapper.instanceName)
	if err != nil {
		return nil, err
	}

	w, r := bufchan.New()
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	updateErr := make(chan error, 1)
	go func() {
		err := st.Update(ctx, d, r, store.ExactSize(wrapper.expectedSize))
		updateErr <- err
		cancelPump()
	}()

	for {
		msg, err := wrapper.next()
		if err != nil {
			_ = w.Close()
			return nil, errs.Merge(errs.Wrap(err, "stream closed early"), <-updateErr)
		}
		if msg == nil {
			break // finish_write observed.
		}
		if len(msg.Data) == 0 {
			continue // Empty frames are permitted no-ops.
		}
		if err := w.Send(pumpCtx, msg.Data); err != nil {
			return nil, errs.Merge(errs.Wrap(err, "error writing to store stream"), <-updateErr)
		}
	}
	if err := w.SendEOF(pumpCtx); err != nil {
		return nil, errs.Merge(errs.Wrap(err, "failed to send EOF in bytestream server"), <-updateErr)
	}
	if err := <-updateErr; err != nil {
		return nil, errs.Wrap(err, "error updating inner store")
	}
	s.metrics.RecordBytesUploaded(wrapper.bytesReceived)
	return &WriteResponse{CommittedSize: wrapper.bytesReceived}, nil
}

// QueryWriteStatus is not provided; uploads are not resumable.
func (s *Server) QueryWriteStatus(ctx context.Context, req *QueryWriteStatusRequest) (*QueryWriteStatusResponse, error) {
	return nil, errs.GRPCStatus(errs.New(errs.Unimplemented, "query_write_status is not implemented")).Err()
}

// writeStreamWrapper tracks upload bookkeeping across frames: received byte
// count never exceeds the declared size, and the stream must end exactly at
// the declared size with finish_write set.
type writeStreamWrapper struct {
	stream        WriteServerStream
	firstMsg      *WriteRequest
	hash          string
	instanceName  string
	expectedSize  int64
	writeFinished bool
	bytesReceived int64
}

func newWriteStreamWrapper(stream WriteServerStream) (*writeStreamWrapper, error) {
	firstMsg, err := stream.Recv()
	if err != nil {
		return nil, errs.New(errs.Internal, "error receiving first message in stream: %v", err)
	}
	info, err := ParseResourceName(firstMsg.ResourceName)
	if err != nil {
		return nil, errs.Wrap(err, "could not extract resource info from first message of stream")
	}
	return &writeStreamWrapper{
		stream:        stream,
		firstMsg:      firstMsg,
		hash:          info.Hash,
		instanceName:  info.InstanceName,
		expectedSize:  info.ExpectedSize,
		writeFinished: firstMsg.FinishWrite,
	}, nil
}

// next returns the next frame, or nil after the finishing frame.
func (w *writeStreamWrapper) next() (*WriteRequest, error) {
	if w.firstMsg != nil {
		msg := w.firstMsg
		w.firstMsg = nil
		w.bytesReceived += int64(len(msg.Data))
		if w.bytesReceived > w.expectedSize {
			return nil, errs.New(errs.InvalidArgument,
				"sent too much data, expected %d but so far received %d", w.expectedSize, w.bytesReceived)
		}
		return msg, nil
	}
	if w.writeFinished {
		if w.bytesReceived != w.expectedSize {
			return nil, errs.New(errs.InvalidArgument,
				"did not send enough data, expected %d but so far received %d", w.expectedSize, w.bytesReceived)
		}
		return nil, nil // Previous message said it was the last one.
	}
	msg, err := w.stream.Recv()
	if err != nil {
		return nil, errs.New(errs.Internal, "stream error at byte %d: %v", w.bytesReceived, err)
	}
	w.writeFinished = msg.FinishWrite
	w.bytesReceived += int64(len(msg.Data))
	if w.bytesReceived > w.expectedSize {
		return nil, errs.New(errs.InvalidArgument,
			"sent too much data, expected %d but so far received %d", w.expectedSize, w.bytesReceived)
	}
	return msg, nil
}
