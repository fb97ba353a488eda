package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 统一配置结构
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Data          DataConfig          `yaml:"data"`
	Log           LogConfig           `yaml:"log"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Diarization   DiarizationConfig   `yaml:"diarization"`
	Summarize     SummarizeConfig     `yaml:"summarize"`
	Finalizer     FinalizerConfig     `yaml:"finalizer"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Env  string `yaml:"env"` // dev, staging, production
	Port string `yaml:"port"`
}

// DataConfig 数据目录配置
type DataConfig struct {
	Dir           string `yaml:"dir"`            // base data directory
	RecordingsDir string `yaml:"recordings_dir"` // WAV recordings
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // empty = stdout
}

// AudioConfig 采集配置
type AudioConfig struct {
	FFmpegPath       string        `yaml:"ffmpeg_path"`
	Device           string        `yaml:"device"` // ffmpeg input device name/index
	SampleRate       int           `yaml:"sample_rate"`
	Channels         int           `yaml:"channels"`
	WriterQueueSize  int           `yaml:"writer_queue_size"`
	StopFlushTimeout time.Duration `yaml:"stop_flush_timeout"`
}

// TranscriptionConfig 转写配置
type TranscriptionConfig struct {
	Provider     string  `yaml:"provider"` // whisper-http, mock
	WhisperURL   string  `yaml:"whisper_url"`
	Model        string  `yaml:"model"`
	ChunkSeconds float64 `yaml:"chunk_seconds"` // 0 = provider optimal
	Temperature  float64 `yaml:"temperature"`
}

// DiarizationConfig 说话人分离配置
type DiarizationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	StreamBackend string `yaml:"stream_backend"` // energy, none
	BatchBackend  string `yaml:"batch_backend"`  // pyannote, none
	PythonPath    string `yaml:"python_path"`
	ScriptPath    string `yaml:"script_path"`
	Device        string `yaml:"device"`
}

// SummarizeConfig 摘要配置
type SummarizeConfig struct {
	Provider string `yaml:"provider"` // llm-http, mock
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
}

// FinalizerConfig 后台收尾配置
type FinalizerConfig struct {
	StartupGrace      time.Duration `yaml:"startup_grace"`
	InterMeetingDelay time.Duration `yaml:"inter_meeting_delay"`
	IdleInterval      time.Duration `yaml:"idle_interval"`
}

// LoadConfig 加载配置：默认值 -> 可选 YAML 文件 (MEETNOTE_CONFIG) -> 环境变量覆盖
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Env:  "dev",
			Port: "8000",
		},
		Data: DataConfig{
			Dir:           "./data",
			RecordingsDir: "./data/recordings",
		},
		Log: LogConfig{
			Level: "info",
		},
		Audio: AudioConfig{
			FFmpegPath:       "ffmpeg",
			Device:           "default",
			SampleRate:       16000,
			Channels:         1,
			WriterQueueSize:  512,
			StopFlushTimeout: 5 * time.Second,
		},
		Transcription: TranscriptionConfig{
			Provider:    "whisper-http",
			WhisperURL:  "http://whisper:8082",
			Model:       "ggml-base",
			Temperature: 0.0,
		},
		Diarization: DiarizationConfig{
			Enabled:       true,
			StreamBackend: "energy",
			BatchBackend:  "pyannote",
			PythonPath:    "python3",
			ScriptPath:    "/app/scripts/pyannote_diarize.py",
			Device:        "auto",
		},
		Summarize: SummarizeConfig{
			Provider: "llm-http",
			URL:      "http://llm:8090",
		},
		Finalizer: FinalizerConfig{
			StartupGrace:      30 * time.Second,
			InterMeetingDelay: 5 * time.Second,
			IdleInterval:      30 * time.Second,
		},
	}

	if path := strings.TrimSpace(os.Getenv("MEETNOTE_CONFIG")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides 环境变量优先级最高
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Env = getEnv("ENV", cfg.Server.Env)
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)

	cfg.Data.Dir = getEnv("DATA_DIR", cfg.Data.Dir)
	cfg.Data.RecordingsDir = getEnv("RECORDINGS_DIR", cfg.Data.RecordingsDir)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Audio.FFmpegPath = getEnv("FFMPEG_PATH", cfg.Audio.FFmpegPath)
	cfg.Audio.Device = getEnv("AUDIO_DEVICE", cfg.Audio.Device)
	cfg.Audio.SampleRate = getEnvInt("AUDIO_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = getEnvInt("AUDIO_CHANNELS", cfg.Audio.Channels)

	cfg.Transcription.Provider = getEnv("TRANSCRIPTION_PROVIDER", cfg.Transcription.Provider)
	cfg.Transcription.WhisperURL = getEnv("WHISPER_API_URL", cfg.Transcription.WhisperURL)
	cfg.Transcription.Model = getEnv("WHISPER_MODEL", cfg.Transcription.Model)
	cfg.Transcription.ChunkSeconds = getEnvFloat("TRANSCRIPTION_CHUNK_SECONDS", cfg.Transcription.ChunkSeconds)

	if v := os.Getenv("ENABLE_SPEAKER_DIARIZATION"); v != "" {
		cfg.Diarization.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	cfg.Diarization.StreamBackend = getEnv("DIARIZATION_STREAM_BACKEND", cfg.Diarization.StreamBackend)
	cfg.Diarization.BatchBackend = getEnv("DIARIZATION_BATCH_BACKEND", cfg.Diarization.BatchBackend)
	cfg.Diarization.PythonPath = getEnv("PYTHON_PATH", cfg.Diarization.PythonPath)
	cfg.Diarization.ScriptPath = getEnv("DIARIZATION_SCRIPT_PATH", cfg.Diarization.ScriptPath)

	cfg.Summarize.Provider = getEnv("SUMMARIZE_PROVIDER", cfg.Summarize.Provider)
	cfg.Summarize.URL = getEnv("LLM_API_URL", cfg.Summarize.URL)
	cfg.Summarize.APIKey = getEnv("LLM_API_KEY", cfg.Summarize.APIKey)

	cfg.Finalizer.StartupGrace = getEnvDuration("FINALIZER_STARTUP_GRACE", cfg.Finalizer.StartupGrace)
	cfg.Finalizer.InterMeetingDelay = getEnvDuration("FINALIZER_INTER_MEETING_DELAY", cfg.Finalizer.InterMeetingDelay)
	cfg.Finalizer.IdleInterval = getEnvDuration("FINALIZER_IDLE_INTERVAL", cfg.Finalizer.IdleInterval)
}

// ValidateConfig 验证配置的有效性
func ValidateConfig(cfg *Config) error {
	var errors []string

	// 1. 端口验证
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid PORT value: %s (must be 1-65535)", cfg.Server.Port))
	}

	// 2. 日志级别验证
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		errors = append(errors, fmt.Sprintf("invalid LOG_LEVEL: %s (must be: debug, info, warn, error)", cfg.Log.Level))
	}

	// 3. 环境验证
	validEnvs := map[string]bool{"dev": true, "development": true, "staging": true, "production": true, "prod": true}
	if !validEnvs[cfg.Server.Env] {
		errors = append(errors, fmt.Sprintf("invalid ENV: %s (must be: dev, development, staging, production)", cfg.Server.Env))
	}

	// 4. 音频参数验证
	if cfg.Audio.SampleRate <= 0 {
		errors = append(errors, fmt.Sprintf("invalid AUDIO_SAMPLE_RATE: %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errors = append(errors, fmt.Sprintf("invalid AUDIO_CHANNELS: %d (must be 1 or 2)", cfg.Audio.Channels))
	}

	// 5. 提供方名称验证
	validTranscribers := map[string]bool{"whisper-http": true, "mock": true}
	if !validTranscribers[cfg.Transcription.Provider] {
		errors = append(errors, fmt.Sprintf("invalid TRANSCRIPTION_PROVIDER: %s (must be: whisper-http, mock)", cfg.Transcription.Provider))
	}
	validSummarizers := map[string]bool{"llm-http": true, "mock": true}
	if !validSummarizers[cfg.Summarize.Provider] {
		errors = append(errors, fmt.Sprintf("invalid SUMMARIZE_PROVIDER: %s (must be: llm-http, mock)", cfg.Summarize.Provider))
	}

	// 6. 收尾间隔验证
	if cfg.Finalizer.InterMeetingDelay < 0 || cfg.Finalizer.IdleInterval <= 0 {
		errors = append(errors, "finalizer delays must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// StorePath 会议文档存储文件路径
func (c *Config) StorePath() string {
	return filepath.Join(c.Data.Dir, "meetings.json")
}

// IsProduction 判断是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// GetServerAddr 获取服务器监听地址
func (c *Config) GetServerAddr() string {
	return ":" + c.Server.Port
}

// PrintConfig 打印配置（脱敏）
func (c *Config) PrintConfig() string {
	return fmt.Sprintf(`Configuration Loaded:
  Environment: %s
  Server Port: %s
  Data Dir: %s
  Recordings Dir: %s
  Logging: level=%s file=%s
  Audio: device=%s rate=%d channels=%d
  Transcription: provider=%s url=%s model=%s
  Diarization: enabled=%v stream=%s batch=%s
  Summarize: provider=%s url=%s key=%s
  Finalizer: grace=%s inter=%s idle=%s`,
		c.Server.Env,
		c.Server.Port,
		c.Data.Dir,
		c.Data.RecordingsDir,
		c.Log.Level,
		c.Log.File,
		c.Audio.Device,
		c.Audio.SampleRate,
		c.Audio.Channels,
		c.Transcription.Provider,
		c.Transcription.WhisperURL,
		c.Transcription.Model,
		c.Diarization.Enabled,
		c.Diarization.StreamBackend,
		c.Diarization.BatchBackend,
		c.Summarize.Provider,
		c.Summarize.URL,
		maskSecret(c.Summarize.APIKey),
		c.Finalizer.StartupGrace,
		c.Finalizer.InterMeetingDelay,
		c.Finalizer.IdleInterval,
	)
}

// 辅助函数

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// maskSecret 对敏感信息进行脱敏
func maskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}
