// Package bootstrap wires configuration into the tracker and its supporting
// services. Both binaries start from here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"visualgen/internal/adapter/repo"
	"visualgen/internal/assets"
	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/internal/providers/jobapi"
	"visualgen/internal/realtime"
	"visualgen/internal/storage"
	"visualgen/internal/tracker"
)

var (
	_ tracker.JobAPI           = (*jobapi.Client)(nil)
	_ assets.Sink              = (*storage.FileStore)(nil)
	_ assets.Sink              = (*storage.MinioStore)(nil)
	_ domain.OutcomeRepository = (*repo.OutcomeRepositoryPG)(nil)
)

// Services holds everything built from a Config. Journal and Dialer may be
// nil. Close releases connections in reverse order of creation.
type Services struct {
	API      *jobapi.Client
	Dialer   realtime.Dialer
	Tracker  *tracker.Tracker
	Journal  domain.OutcomeRepository
	Sink     assets.Sink
	Exporter *assets.Exporter

	closers []func()
}

// Close releases every connection opened by New.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// New builds the services for cfg. name identifies the process to brokers.
func New(ctx context.Context, cfg *infra.Config, name string, logger *infra.Logger) (_ *Services, err error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	logger = infra.OrDiscard(logger)
	s := &Services{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.API, err = jobapi.NewClient(jobapi.Options{
		BaseURL:        cfg.APIBaseURL,
		Token:          cfg.APIToken,
		Logger:         logger,
		RequestTimeout: cfg.APITimeout,
	})
	if err != nil {
		return nil, err
	}

	if s.Dialer, err = s.newDialer(ctx, cfg, name, logger); err != nil {
		return nil, err
	}

	s.Tracker = tracker.New(s.API, s.Dialer, tracker.Options{
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		RetryTimeout: cfg.RetryTimeout,
		Logger:       logger,
	})

	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		journal := repo.NewOutcomeRepository(infra.NewSQLRunner(pool, logger))
		if err := journal.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: outcome schema: %w", err)
		}
		s.Journal = journal
	}

	if s.Sink, err = newSink(ctx, cfg, logger); err != nil {
		return nil, err
	}
	s.Exporter = assets.NewExporter(assets.Options{
		Concurrency: cfg.ExportConcurrency,
		Logger:      logger,
	})

	logger.Info().
		Str("transport", cfg.PushTransport).
		Bool("journal", s.Journal != nil).
		Msg("bootstrap: services ready")
	return s, nil
}

func (s *Services) newDialer(ctx context.Context, cfg *infra.Config, name string, logger *infra.Logger) (realtime.Dialer, error) {
	switch cfg.PushTransport {
	case infra.TransportWebSocket:
		return realtime.NewWebSocketDialer(realtime.WebSocketOptions{
			URL:             cfg.WSURL,
			InitialInterval: cfg.ReconnectInitial,
			MaxInterval:     cfg.ReconnectMax,
			MaxAttempts:     cfg.ReconnectAttempts,
			Logger:          logger,
		}), nil
	case infra.TransportRedis:
		client, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		return realtime.NewRedisDialer(client, cfg.ChannelPrefix, logger), nil
	case infra.TransportNATS:
		conn, err := infra.NewNATSConn(cfg, name, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, conn.Close)
		return realtime.NewNATSDialer(conn, cfg.ChannelPrefix, logger), nil
	case infra.TransportNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("bootstrap: unsupported push transport %q", cfg.PushTransport)
	}
}

func newSink(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (assets.Sink, error) {
	if cfg.MinIOEndpoint != "" {
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
			Logger:    logger,
		})
	}
	if cfg.StoragePath == "" {
		return assets.Discard, nil
	}
	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", store.BasePath()).Msg("bootstrap: exporting to local directory")
	return store, nil
}
