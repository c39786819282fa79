package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/beam-cloud/ja2/pkg/metrics"
	"github.com/beam-cloud/ristretto"
	"github.com/rs/zerolog/log"
)

const defaultBlockSize = 1 << 20

type S3StorageCredentials struct {
	AccessKey string
	SecretKey string
}

type S3StorageOpts struct {
	Bucket         string
	Key            string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	Credentials    S3StorageCredentials
	// BlockSize is the granularity of ranged reads and of the block cache.
	BlockSize int64
	// HTTPClient replaces the default client of the AWS SDK.
	HTTPClient *http.Client
}

// S3Storage reads an archive object with ranged GET requests and keeps
// fetched blocks in memory.
type S3Storage struct {
	svc        *s3.Client
	bucket     string
	key        string
	size       int64
	blockSize  int64
	blockCache *ristretto.Cache[string, []byte]
}

func NewS3Storage(ctx context.Context, opts S3StorageOpts) (*S3Storage, error) {
	svc, err := newS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	blockCache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     1 * 1e9,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}

	s3s := &S3Storage{
		svc:        svc,
		bucket:     opts.Bucket,
		key:        opts.Key,
		blockSize:  blockSize,
		blockCache: blockCache,
	}

	size, err := s3s.getFileSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot access object <%s/%s>: %w", opts.Bucket, opts.Key, err)
	}
	s3s.size = size

	log.Debug().Str("bucket", opts.Bucket).Str("key", opts.Key).Int64("size", size).Msg("opened s3 archive")
	return s3s, nil
}

func newS3Client(ctx context.Context, opts S3StorageOpts) (*s3.Client, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if opts.Credentials.AccessKey != "" && opts.Credentials.SecretKey != "" {
		accessKey = opts.Credentials.AccessKey
		secretKey = opts.Credentials.SecretKey
	}

	cfg, err := getAWSConfig(ctx, accessKey, secretKey, opts)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

func getAWSConfig(ctx context.Context, accessKey string, secretKey string, opts S3StorageOpts) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}

	if opts.Endpoint != "" {
		endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: opts.Endpoint,
			}, nil
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(endpointResolver))
	}

	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(opts.HTTPClient))
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

func (s3s *S3Storage) getFileSize(ctx context.Context) (int64, error) {
	resp, err := s3s.svc.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s3s.bucket),
		Key:    aws.String(s3s.key),
	})
	if err != nil {
		return 0, err
	}
	if resp.ContentLength == nil {
		return 0, errors.New("object size unknown")
	}
	return *resp.ContentLength, nil
}

func (s3s *S3Storage) Size() int64 {
	return s3s.size
}

func (s3s *S3Storage) CachedLocally() bool {
	return false
}

// ReadAt serves reads from cached blocks, fetching missing blocks with one
// ranged request each.
func (s3s *S3Storage) ReadAt(dest []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	n := 0
	for n < len(dest) {
		pos := off + int64(n)
		if pos >= s3s.size {
			return n, io.EOF
		}

		index := pos / s3s.blockSize
		block, err := s3s.getBlock(index)
		if err != nil {
			return n, err
		}

		n += copy(dest[n:], block[pos-index*s3s.blockSize:])
	}
	return n, nil
}

func (s3s *S3Storage) blockKey(index int64) string {
	return fmt.Sprintf("%s/%s#%d", s3s.bucket, s3s.key, index)
}

func (s3s *S3Storage) getBlock(index int64) ([]byte, error) {
	key := s3s.blockKey(index)
	if block, ok := s3s.blockCache.Get(key); ok {
		metrics.RecordCacheOperation(true, 0)
		return block, nil
	}

	start := index * s3s.blockSize
	end := start + s3s.blockSize - 1
	if end >= s3s.size {
		end = s3s.size - 1
	}

	block := make([]byte, end-start+1)
	startTime := time.Now()
	n, err := s3s.downloadChunk(block, start, end)
	if err != nil {
		return nil, err
	}
	metrics.RecordRangeGet(s3s.bucket+"/"+s3s.key, int64(n), time.Since(startTime))
	if n != len(block) {
		return nil, fmt.Errorf("short range read at %d: got %d of %d bytes", start, n, len(block))
	}

	s3s.blockCache.Set(key, block, int64(len(block)))
	s3s.blockCache.Wait()
	metrics.RecordCacheOperation(false, int64(len(block)))

	log.Debug().Str("key", s3s.key).Int64("start", start).Int64("end", end).Msg("fetched block")
	return block, nil
}

func (s3s *S3Storage) downloadChunk(dest []byte, start int64, end int64) (int, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	resp, err := s3s.svc.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s3s.bucket),
		Key:    aws.String(s3s.key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, dest)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

func (s3s *S3Storage) Cleanup() error {
	s3s.blockCache.Close()
	return nil
}

func (s3s *S3Storage) Close() error {
	return s3s.Cleanup()
}

type progressReader struct {
	r    io.Reader
	size int64
	read int64
	ch   chan<- int
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 && pr.size > 0 {
		pr.read += int64(n)
		if pr.ch != nil {
			pr.ch <- int(float64(pr.read) / float64(pr.size) * 100)
		}
	}
	return n, err
}

// UploadS3 stores the local file at path under opts.Bucket and opts.Key.
func UploadS3(ctx context.Context, opts S3StorageOpts, path string, progressChan chan<- int) error {
	svc, err := newS3Client(ctx, opts)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive <%s>: %v", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	length := fi.Size()

	uploader := manager.NewUploader(svc, func(u *manager.Uploader) {
		u.Concurrency = 16
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(opts.Bucket),
		Key:           aws.String(opts.Key),
		Body:          &progressReader{r: f, size: length, ch: progressChan},
		ContentLength: &length,
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}
	metrics.RecordUpload(length)

	log.Info().Msgf("uploaded %s to s3://%s/%s", path, opts.Bucket, opts.Key)
	return nil
}
