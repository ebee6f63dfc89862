package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithTransfer adds transfer_id context to logger.
func (l *Logger) WithTransfer(transferID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("transfer_id", transferID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithObject adds object_id context to logger.
func (l *Logger) WithObject(objectID string, objectSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("object_id", objectID).
			Int64("object_size", objectSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs transfer start event.
func (l *Logger) TransferStarted(transferID, objectID string, objectSize int64, totalChunks int) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Str("object_id", objectID).
		Int64("object_size", objectSize).
		Int("total_chunks", totalChunks).
		Msg("transfer started")
}

// ChunkDispatched logs one chunk handed to the TransportDispatcher.
func (l *Logger) ChunkDispatched(transferID string, chunkIndex int, chunkSize int, subcarrierID int) {
	l.logger.Debug().
		Str("transfer_id", transferID).
		Int("chunk_index", chunkIndex).
		Int("chunk_size", chunkSize).
		Int("subcarrier_id", subcarrierID).
		Msg("chunk dispatched")
}

// TransferProgress logs transfer progress.
func (l *Logger) TransferProgress(transferID string, chunksAcked, totalChunks int, throughputBps float64, elapsed time.Duration) {
	progress := float64(chunksAcked) / float64(totalChunks) * 100.0

	l.logger.Info().
		Str("transfer_id", transferID).
		Int("chunks_acknowledged", chunksAcked).
		Int("total_chunks", totalChunks).
		Float64("progress_percent", progress).
		Float64("throughput_bytes_per_sec", throughputBps).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("transfer progress")
}

// TransferCompleted logs transfer completion.
func (l *Logger) TransferCompleted(transferID string, objectSize int64, totalChunks int, duration time.Duration, avgThroughput float64, sealed bool) {
	l.logger.Info().
		Str("transfer_id", transferID).
		Int64("object_size", objectSize).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Float64("average_throughput_bytes_per_sec", avgThroughput).
		Bool("sealed", sealed).
		Msg("transfer completed successfully")
}

// ChunkChecksumFailed logs a chunk that failed checksum verification on
// delivery.
func (l *Logger) ChunkChecksumFailed(transferID string, chunkIndex int, peerID string, attempts int) {
	l.logger.Error().
		Str("transfer_id", transferID).
		Int("chunk_index", chunkIndex).
		Str("peer_id", peerID).
		Int("attempts", attempts).
		Msg("chunk checksum verification failed")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, peerID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("peer_id", peerID).
		Msg("peer connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("peer connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
