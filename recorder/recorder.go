package recorder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "alpacabridge/config"
	"alpacabridge/logger"
	"alpacabridge/models"
)

// barRecord is the parquet row layout for captured bars.
type barRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Open      float64 `parquet:"name=open, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Close     float64 `parquet:"name=close, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer
// so files are encoded fully in memory before hitting disk or S3.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Recorder captures live bars into parquet files partitioned by symbol and
// date, flushing on batch size or interval, with optional S3 upload.
type Recorder struct {
	cfg      *appconfig.Config
	in       <-chan models.Bar
	s3Client *s3.Client
	log      *logger.Log

	mu      sync.Mutex
	buffer  map[string][]models.Bar
	running bool

	flushTicker *time.Ticker
	ctx         context.Context
	wg          sync.WaitGroup
}

// New builds a recorder draining bars from in. S3 is optional; when enabled
// the AWS configuration must resolve credentials or construction fails.
func New(cfg *appconfig.Config, in <-chan models.Bar) (*Recorder, error) {
	log := logger.GetLogger()

	r := &Recorder{
		cfg:    cfg,
		in:     in,
		log:    log,
		buffer: make(map[string][]models.Bar),
	}

	if cfg.Recorder.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		r.s3Client = client
		log.WithComponent("recorder").WithFields(logger.Fields{
			"bucket":     cfg.Recorder.S3.Bucket,
			"region":     cfg.Recorder.S3.Region,
			"endpoint":   cfg.Recorder.S3.Endpoint,
			"path_style": cfg.Recorder.S3.PathStyle,
		}).Info("recorder s3 upload enabled")
	}

	return r, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Recorder.S3.Region),
	}
	if cfg.Recorder.S3.AccessKeyID != "" && cfg.Recorder.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Recorder.S3.AccessKeyID,
				cfg.Recorder.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Recorder.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Recorder.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Recorder.S3.PathStyle
	}), nil
}

// Start launches the intake and flush workers.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	if err := os.MkdirAll(r.cfg.Recorder.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recorder directory: %w", err)
	}

	interval := r.cfg.Recorder.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	r.flushTicker = time.NewTicker(interval)

	r.wg.Add(2)
	go r.intakeWorker()
	go r.flushWorker()

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"dir":            r.cfg.Recorder.Dir,
		"flush_interval": interval,
		"batch_size":     r.cfg.Recorder.BatchSize,
	}).Info("recorder started")
	return nil
}

// Stop waits for the workers; the final flush runs on context cancellation.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	r.wg.Wait()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) intakeWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker": "intake"})
	log.Info("starting intake worker")

	for {
		select {
		case <-r.ctx.Done():
			log.Info("intake worker stopped due to context cancellation")
			return
		case bar, ok := <-r.in:
			if !ok {
				log.Info("bar channel closed, intake worker stopping")
				return
			}
			r.addBar(bar)
		}
	}
}

func (r *Recorder) addBar(bar models.Bar) {
	r.mu.Lock()
	r.buffer[bar.Symbol] = append(r.buffer[bar.Symbol], bar)
	full := r.cfg.Recorder.BatchSize > 0 && len(r.buffer[bar.Symbol]) >= r.cfg.Recorder.BatchSize
	var bars []models.Bar
	if full {
		bars = r.buffer[bar.Symbol]
		delete(r.buffer, bar.Symbol)
	}
	r.mu.Unlock()

	if full {
		r.writeBatch(bar.Symbol, bars, "batch_size")
	}
}

func (r *Recorder) flushWorker() {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-r.ctx.Done():
			r.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-r.flushTicker.C:
			r.flushBuffers("interval")
		}
	}
}

func (r *Recorder) flushBuffers(reason string) {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]models.Bar)
	r.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for symbol, bars := range buffers {
		if len(bars) == 0 {
			continue
		}
		r.writeBatch(symbol, bars, reason)
	}
}

func (r *Recorder) writeBatch(symbol string, bars []models.Bar, reason string) {
	batchID := uuid.New().String()
	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"batch_id":     batchID,
		"symbol":       symbol,
		"record_count": len(bars),
		"reason":       reason,
	})

	data, err := encodeParquet(bars)
	if err != nil {
		log.WithError(err).Error("failed to encode parquet batch")
		return
	}

	key := r.batchKey(symbol, bars[len(bars)-1].Time, batchID)
	path := filepath.Join(r.cfg.Recorder.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.WithError(err).Error("failed to create partition directory")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write parquet file")
		return
	}

	logger.IncrementRecorderWrite(int64(len(bars)))
	log = log.WithFields(logger.Fields{"path": path, "file_size": len(data)})
	log.Info("batch written")

	if r.s3Client != nil {
		if err := r.uploadToS3(key, data); err != nil {
			log.WithError(err).
				WithEnv("S3_BUCKET").
				WithFields(logger.Fields{"bucket": r.cfg.Recorder.S3.Bucket, "s3_key": key}).
				Error("failed to upload to S3")
		}
	}
}

// batchKey builds the hive style partition path:
// symbol=AAPL/date=2026-08-25/bars_AAPL_20260825143000_<id>.parquet
func (r *Recorder) batchKey(symbol string, ts time.Time, batchID string) string {
	ts = ts.UTC()
	filename := fmt.Sprintf("bars_%s_%s_%s.parquet", symbol, ts.Format("20060102150405"), batchID)
	key := filepath.Join(
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(key)
}

func encodeParquet(bars []models.Bar) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(barRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, bar := range bars {
		record := barRecord{
			Symbol:    bar.Symbol,
			Timestamp: bar.Time.UnixMilli(),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
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

func (r *Recorder) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(r.cfg.Recorder.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":   "parquet",
			"bridge-version": r.cfg.Bridge.Version,
		},
	}

	ctx := context.WithoutCancel(r.ctx)
	_, err := r.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", r.cfg.Recorder.S3.Bucket, err)
	}
	return nil
}
