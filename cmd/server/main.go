package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meetnote/meetnote/cmd/server/internal/api"
	"github.com/meetnote/meetnote/cmd/server/internal/audio"
	"github.com/meetnote/meetnote/cmd/server/internal/config"
	"github.com/meetnote/meetnote/cmd/server/internal/diarization"
	"github.com/meetnote/meetnote/cmd/server/internal/meetings"
	"github.com/meetnote/meetnote/cmd/server/internal/summarize"
	"github.com/meetnote/meetnote/cmd/server/internal/transcription"
	"github.com/meetnote/meetnote/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}

	logInstance, err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Server.Env,
		WithSource:  !strings.EqualFold(cfg.Server.Env, "prod"),
		File:        cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	logInstance.Info("starting meetnote server", "config", cfg.PrintConfig())

	for _, dir := range []string{cfg.Data.Dir, cfg.Data.RecordingsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logInstance.Error("create data dir failed", "dir", dir, "err", err)
			os.Exit(1)
		}
	}

	store, err := meetings.NewStore(cfg.StorePath())
	if err != nil {
		logInstance.Error("open meeting store failed", "err", err)
		os.Exit(1)
	}

	transcriber, err := transcription.NewTranscriber(cfg.Transcription.Provider, cfg.Transcription.WhisperURL)
	if err != nil {
		logInstance.Error("transcription provider init failed", "err", err)
		os.Exit(1)
	}
	pipeline := transcription.NewPipeline(transcriber,
		cfg.Transcription.Model, "", "", cfg.Transcription.Temperature,
		int(cfg.Transcription.ChunkSeconds))

	streamBackend, err := diarization.ParseBackend(cfg.Diarization.StreamBackend)
	if err != nil {
		logInstance.Error("diarization stream backend invalid", "err", err)
		os.Exit(1)
	}
	batchBackend, err := diarization.ParseBackend(cfg.Diarization.BatchBackend)
	if err != nil {
		logInstance.Error("diarization batch backend invalid", "err", err)
		os.Exit(1)
	}
	batchProvider, err := diarization.NewBatchProvider(batchBackend, diarization.BatchOptions{
		PythonPath: cfg.Diarization.PythonPath,
		ScriptPath: cfg.Diarization.ScriptPath,
		Device:     cfg.Diarization.Device,
	})
	if err != nil {
		// 配置类错误：批量分离不可用时降级为 none，阶段会按 pending 留存
		logInstance.Warn("batch diarization unavailable, falling back to none", "err", err)
		batchProvider, _ = diarization.NewBatchProvider(diarization.BackendNone, diarization.BatchOptions{})
	}
	// 每个会话一个全新实例，杜绝跨会话状态
	rtFactory := func() *diarization.Realtime {
		return diarization.NewRealtime(cfg.Diarization.Enabled, func() (diarization.StreamProvider, error) {
			return diarization.NewStreamProvider(streamBackend)
		})
	}

	summarizer, err := summarize.NewProvider(cfg.Summarize.Provider, cfg.Summarize.URL, cfg.Summarize.APIKey, "")
	if err != nil {
		// 摘要不可用时降级为 mock，收尾阶段仍然能跑完
		logInstance.Warn("summarize provider unavailable, falling back to mock", "err", err)
		summarizer = summarize.NewMockProvider()
	}

	capture := audio.NewCaptureService(cfg.Audio.FFmpegPath, cfg.Audio.Device,
		cfg.Audio.WriterQueueSize, cfg.Audio.StopFlushTimeout)

	finalizer := meetings.NewFinalizer(store, batchProvider, summarizer,
		cfg.Finalizer.StartupGrace, cfg.Finalizer.InterMeetingDelay, cfg.Finalizer.IdleInterval)
	manager := meetings.NewManager(store, pipeline, rtFactory, finalizer, os.TempDir())

	handler := api.NewHandler(cfg, store, capture, manager, pipeline)
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:    cfg.GetServerAddr(),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logInstance.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		finalizer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logInstance.Info("shutting down")

		// 先协作式停掉活动会话，再关 HTTP
		manager.StopAll()
		_ = capture.StopRecording()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logInstance.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	logInstance.Info("server stopped")
}
