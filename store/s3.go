package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/remexec/aws"
	"github.com/gurre/remexec/bufchan"
	"github.com/gurre/remexec/digest"
	"github.com/gurre/remexec/errs"
	"github.com/gurre/remexec/retry"
)

// minMultipartSize is the smallest part S3 accepts and the threshold below
// which a single PutObject is used instead of a multipart upload.
const minMultipartSize = 5 * 1024 * 1024

// maxUploadParts is the S3 limit on parts per multipart upload.
const maxUploadParts = 10000

// S3StoreConfig configures an S3Store.
type S3StoreConfig struct {
	Bucket    string
	KeyPrefix string
	Retry     retry.Config
	// MaxConcurrentUploads bounds in-flight part uploads per update.
	MaxConcurrentUploads int
}

// S3Store keeps blobs in an S3 bucket under "{prefix}{hash}-{size}" keys.
// HeadObject, PutObject, UploadPart and GetObject run under the retrier:
// dispatch failures, 5xx and 409 responses retry, 404 means absent, and
// other failures abort immediately. Creating, completing and aborting a
// multipart upload are single attempts and are not retried.
type S3Store struct {
	client aws.S3Client
	cfg    S3StoreConfig
	logger *zap.Logger
}

// NewS3 creates an S3 store over the given client.
func NewS3(client aws.S3Client, cfg S3StoreConfig, logger *zap.Logger) *S3Store {
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Store{client: client, cfg: cfg, logger: logger}
}

func (s *S3Store) keyFor(d digest.Digest) string {
	return fmt.Sprintf("%s%s-%d", s.cfg.KeyPrefix, d.HashString(), d.SizeBytes)
}

// classify sorts an SDK error into absent / transient / fatal.
func classify[T any](err error) (retry.Result[T], bool) {
	var zero retry.Result[T]
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return zero, false // Caller decides what absent means for the operation.
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 404:
			return zero, false
		case code >= 500, code == 409:
			return retry.Again[T](errs.New(errs.Unavailable, "transient s3 error (http %d): %v", code, err)), true
		default:
			return retry.Fatal[T](errs.New(errs.Unavailable, "non-retryable s3 error (http %d): %v", code, err)), true
		}
	}
	var reqErr *smithyhttp.RequestSendError
	if errors.As(err, &reqErr) {
		// Dispatch failures never reached the service; safe to retry.
		return retry.Again[T](errs.New(errs.Unavailable, "failed to dispatch s3 request: %v", err)), true
	}
	return retry.Fatal[T](errs.New(errs.Unavailable, "s3 error: %v", err)), true
}

func isAbsent(err error) bool {
	_, classified := classify[struct{}](err)
	return !classified
}

func (s *S3Store) HasWithResults(ctx context.Context, digests []digest.Digest, results []ExistenceResult) error {
	for i, d := range digests {
		key := s.keyFor(d)
		result, err := retry.Do(ctx, s.cfg.Retry.Backoff(), func(ctx context.Context) retry.Result[ExistenceResult] {
			out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: &s.cfg.Bucket,
				Key:    &key,
			})
			if err != nil {
				if isAbsent(err) {
					return retry.Ok(ExistenceResult{})
				}
				res, _ := classify[ExistenceResult](err)
				return res
			}
			var size int64
			if out.ContentLength != nil {
				size = *out.ContentLength
			}
			return retry.Ok(ExistenceResult{Present: true, SizeBytes: size})
		})
		if err != nil {
			return errs.Wrap(err, "error attempting to load s3 result for %s", key)
		}
		results[i] = result
	}
	return nil
}

func (s *S3Store) Update(ctx context.Context, d digest.Digest, r *bufchan.Reader, size SizeInfo) error {
	key := s.keyFor(d)
	if size.Bytes < minMultipartSize {
		return s.updateSingle(ctx, key, r, size)
	}
	return s.updateMultipart(ctx, key, r, size)
}

func (s *S3Store) updateSingle(ctx context.Context, key string, r *bufchan.Reader, size SizeInfo) error {
	// Buffer the payload so each retry attempt can resend it.
	body, err := r.CollectAll(ctx, int(size.Bytes))
	if err != nil {
		return errs.Wrap(err, "failed to read file in upload to s3 in single chunk")
	}
	if size.Exact && int64(len(body)) != size.Bytes {
		return errs.New(errs.InvalidArgument, "upload promised %d bytes but delivered %d", size.Bytes, len(body))
	}
	_, err = retry.Do(ctx, s.cfg.Retry.Backoff(), func(ctx context.Context) retry.Result[struct{}] {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        &s.cfg.Bucket,
			Key:           &key,
			Body:          bytes.NewReader(body),
			ContentLength: awssdk.Int64(int64(len(body))),
		})
		if err != nil {
			res, classified := classify[struct{}](err)
			if !classified {
				return retry.Fatal[struct{}](errs.New(errs.Unavailable, "s3 put rejected: %v", err))
			}
			return res
		}
		return retry.Ok(struct{}{})
	})
	return errs.Wrap(err, "failed to upload file to s3 in single chunk")
}

func (s *S3Store) updateMultipart(ctx context.Context, key string, r *bufchan.Reader, size SizeInfo) error {
	bytesPerPart := int64(minMultipartSize)
	if perPart := size.Bytes / (maxUploadParts - 1); perPart > bytesPerPart {
		bytesPerPart = perPart
	}

	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return errs.New(errs.Unavailable, "failed to create multipart upload to s3: %v", err)
	}
	if create.UploadId == nil {
		return errs.New(errs.Internal, "expected upload_id to be set by s3 response")
	}
	uploadID := *create.UploadId

	uploadErr := func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.MaxConcurrentUploads)
		var mu sync.Mutex
		var completed []types.CompletedPart

		partNumber := int32(1)
		for {
			chunk, err := r.Take(ctx, int(bytesPerPart))
			if err != nil {
				return errs.Wrap(err, "failed to read chunk in s3 store")
			}
			if len(chunk) == 0 {
				break // Reached EOF.
			}
			part := partNumber
			partNumber++
			g.Go(func() error {
				etag, err := s.uploadPart(gctx, key, uploadID, part, chunk)
				if err != nil {
					return err
				}
				mu.Lock()
				completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: awssdk.Int32(part)})
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		sort.Slice(completed, func(i, j int) bool { return *completed[i].PartNumber < *completed[j].PartNumber })
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          &s.cfg.Bucket,
			Key:             &key,
			UploadId:        &uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return errs.New(errs.Unavailable, "failed to complete multipart to s3: %v", err)
		}
		return nil
	}()

	if uploadErr != nil {
		// Best effort: an orphaned multipart upload only costs storage until
		// the bucket lifecycle reaps it.
		if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   &s.cfg.Bucket,
			Key:      &key,
			UploadId: &uploadID,
		}); err != nil {
			s.logger.Warn("failed to abort multipart upload",
				zap.String("key", key), zap.Error(err))
		}
	}
	return uploadErr
}

func (s *S3Store) uploadPart(ctx context.Context, key, uploadID string, partNumber int32, chunk []byte) (*string, error) {
	return retry.Do(ctx, s.cfg.Retry.Backoff(), func(ctx context.Context) retry.Result[*string] {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        &s.cfg.Bucket,
			Key:           &key,
			UploadId:      &uploadID,
			PartNumber:    awssdk.Int32(partNumber),
			Body:          bytes.NewReader(chunk),
			ContentLength: awssdk.Int64(int64(len(chunk))),
		})
		if err != nil {
			res, classified := classify[*string](err)
			if !classified {
				return retry.Fatal[*string](errs.New(errs.Unavailable, "failed to upload part: %v", err))
			}
			return res
		}
		return retry.Ok(out.ETag)
	})
}

func (s *S3Store) GetPart(ctx context.Context, d digest.Digest, w *bufchan.Writer, offset, length int64) error {
	key := s.keyFor(d)
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		if length == 0 {
			return errs.Wrap(w.SendEOF(ctx), "error sending EOF in s3 store")
		}
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	out, err := retry.Do(ctx, s.cfg.Retry.Backoff(), func(ctx context.Context) retry.Result[*s3.GetObjectOutput] {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &s.cfg.Bucket,
			Key:    &key,
			Range:  &rng,
		})
		if err != nil {
			if isAbsent(err) {
				return retry.Fatal[*s3.GetObjectOutput](errs.New(errs.NotFound, "file not found in s3: %s", key))
			}
			res, _ := classify[*s3.GetObjectOutput](err)
			return res
		}
		return retry.Ok(out)
	})
	if err != nil {
		return errs.Wrap(err, "error reading from s3")
	}
	defer out.Body.Close()

	buf := make([]byte, fsReadChunkSize)
	for {
		n, readErr := out.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := w.Send(ctx, chunk); err != nil {
				return errs.Wrap(err, "failed to forward s3 body to writer")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errs.New(errs.Unavailable, "failed to download from s3: %v", readErr)
		}
	}
	return errs.Wrap(w.SendEOF(ctx), "error sending EOF in s3 store")
}

func (s *S3Store) OptimizedFor(opt Optimization) bool { return false }

func (s *S3Store) InnerStore(d *digest.Digest) Store { return s }
