package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AudioChunksTotal 音频切片处理总数计数器
	// Labels: component (capture/transcribe/diarize/reconcile/finalize), status (success/error)
	AudioChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetnote_audio_chunks_total",
			Help: "Total number of audio chunks processed by component",
		},
		[]string{"component", "status"},
	)

	// AudioErrorsTotal 音频处理错误总数计数器
	// Labels: component, error_code (PROVIDER_ERROR/DEVICE_ERROR/...)
	AudioErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetnote_audio_errors_total",
			Help: "Total number of audio processing errors by component and error code",
		},
		[]string{"component", "error_code"},
	)

	// AudioProcessingDuration 音频处理耗时直方图（秒）
	// Labels: component
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	AudioProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meetnote_audio_processing_duration_seconds",
			Help:    "Audio processing duration in seconds by component",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"component"},
	)

	// LiveTapDroppedTotal 实时镜像队列满时丢弃的切片总数
	LiveTapDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meetnote_live_tap_dropped_total",
			Help: "Total number of audio chunks dropped because the live tap queue was full",
		},
	)

	// ActiveSessions 正在转写的会话数量规
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetnote_active_sessions",
			Help: "Number of transcription sessions currently running",
		},
	)

	// FinalizationStagesTotal 收尾阶段结果计数器
	// Labels: stage (diarization/speaker_names/summary/title), status (done/failed/skipped)
	FinalizationStagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetnote_finalization_stages_total",
			Help: "Total number of finalization stage outcomes",
		},
		[]string{"stage", "status"},
	)
)

// RecordChunkProcessed 记录音频切片处理完成
func RecordChunkProcessed(component string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	AudioChunksTotal.WithLabelValues(component, status).Inc()
}

// RecordError 记录音频处理错误
func RecordError(component, errorCode string) {
	AudioErrorsTotal.WithLabelValues(component, errorCode).Inc()
}

// RecordDuration 记录音频处理耗时
func RecordDuration(component string, d time.Duration) {
	AudioProcessingDuration.WithLabelValues(component).Observe(d.Seconds())
}

// RecordTapDrop 记录实时镜像队列丢弃
func RecordTapDrop() {
	LiveTapDroppedTotal.Inc()
}

// RecordStage 记录收尾阶段结果
func RecordStage(stage, status string) {
	FinalizationStagesTotal.WithLabelValues(stage, status).Inc()
}

// SessionStarted / SessionEnded 维护活跃会话量规
func SessionStarted() { ActiveSessions.Inc() }
func SessionEnded()   { ActiveSessions.Dec() }
