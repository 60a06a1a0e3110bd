package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// TickRecord is the parquet row layout for archived ticks.
type TickRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	HasVolume bool    `parquet:"name=has_volume, type=BOOLEAN"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer so
// objects can be encoded fully in memory before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage, no seeking needed.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// S3Archiver exports expiring ticks to S3 as parquet objects before retention
// deletes them, one object per pair per calendar day.
type S3Archiver struct {
	cfg      config.S3Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewS3Archiver builds the S3 client from the configured credentials.
func NewS3Archiver(cfg config.S3Config) (*S3Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("tick archiver initialized")

	return &S3Archiver{cfg: cfg, s3Client: client, log: log}, nil
}

// ArchiveTicks encodes the expiring ticks as parquet and uploads one object
// per pair per day. Any failed upload fails the whole call so the caller
// never deletes unarchived data.
func (a *S3Archiver) ArchiveTicks(ctx context.Context, pairSymbols map[int64]string, ticks []models.Tick) error {
	log := a.log.WithComponent("tick_archiver")

	groups := map[string][]models.Tick{}
	for _, tick := range ticks {
		symbol, ok := pairSymbols[tick.PairID]
		if !ok {
			// Pair deactivated after its ticks were written.
			symbol = fmt.Sprintf("pair-%d", tick.PairID)
		}
		key := symbol + "|" + tick.Timestamp.UTC().Format("2006-01-02")
		groups[key] = append(groups[key], tick)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		batch := groups[key]
		symbol := pairSymbols[batch[0].PairID]
		if symbol == "" {
			symbol = fmt.Sprintf("pair-%d", batch[0].PairID)
		}

		data, err := a.encodeParquet(symbol, batch)
		if err != nil {
			return fmt.Errorf("encode parquet for %s: %w", symbol, err)
		}

		objectKey := a.objectKey(symbol, batch[0].Timestamp)
		if err := a.upload(ctx, objectKey, data); err != nil {
			return err
		}

		log.WithFields(logger.Fields{
			"symbol":    symbol,
			"s3_key":    objectKey,
			"records":   len(batch),
			"file_size": len(data),
		}).Info("archived tick batch")
	}
	return nil
}

func (a *S3Archiver) objectKey(symbol string, ts time.Time) string {
	name := fmt.Sprintf("%s.parquet", uuid.New().String())
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("symbol=%s", sanitizeSymbol(symbol)),
		fmt.Sprintf("date=%s", ts.UTC().Format("2006-01-02")),
		name,
	)
}

// sanitizeSymbol makes an internal symbol safe for an object key path.
func sanitizeSymbol(symbol string) string {
	out := []byte(symbol)
	for i, c := range out {
		if c == '/' {
			out[i] = '-'
		}
	}
	return string(out)
}

func (a *S3Archiver) encodeParquet(symbol string, ticks []models.Tick) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(TickRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, tick := range ticks {
		record := TickRecord{
			Symbol:    symbol,
			Price:     tick.Price,
			Timestamp: tick.Timestamp.UnixMilli(),
		}
		if tick.Volume != nil {
			record.Volume = *tick.Volume
			record.HasVolume = true
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *S3Archiver) upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  "snappy",
		},
	}
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}
