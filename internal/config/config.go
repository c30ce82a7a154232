package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Storage StorageConfig
	Render  RenderConfig
}

type ServerConfig struct {
	Port          string
	Env           string
	LogLevel      string
	RenderPerHour int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RenderConfig struct {
	FFmpegPath    string
	FFprobePath   string
	WorkDir       string
	Width         int
	Height        int
	FPS           int
	VideoBitrate  int // kbps
	AudioBitrate  int // kbps
	SampleRate    int
	Concurrency   int // worker slots per instance
	DownloadLimit int // asset fetch fan-out per job
	MaxRetry      int
	SoftTimeout   int // seconds
	HardTimeout   int // seconds
	MemoryLimit   int64 // bytes, 0 = detect
	SegmentSec    int   // chunk length for the segmented strategy
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("STORAGE_ACCOUNT_ID")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.render_per_hour", "RENDER_PER_HOUR")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("storage.account_id", "STORAGE_ACCOUNT_ID")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = viper.BindEnv("render.ffmpeg_path", "FFMPEG_PATH")
	_ = viper.BindEnv("render.ffprobe_path", "FFPROBE_PATH")
	_ = viper.BindEnv("render.work_dir", "RENDER_WORK_DIR")
	_ = viper.BindEnv("render.width", "RENDER_WIDTH")
	_ = viper.BindEnv("render.height", "RENDER_HEIGHT")
	_ = viper.BindEnv("render.fps", "RENDER_FPS")
	_ = viper.BindEnv("render.video_bitrate", "RENDER_VIDEO_BITRATE")
	_ = viper.BindEnv("render.audio_bitrate", "RENDER_AUDIO_BITRATE")
	_ = viper.BindEnv("render.sample_rate", "RENDER_SAMPLE_RATE")
	_ = viper.BindEnv("render.concurrency", "RENDER_CONCURRENCY")
	_ = viper.BindEnv("render.download_limit", "RENDER_DOWNLOAD_LIMIT")
	_ = viper.BindEnv("render.max_retry", "RENDER_MAX_RETRY")
	_ = viper.BindEnv("render.soft_timeout", "RENDER_SOFT_TIMEOUT")
	_ = viper.BindEnv("render.hard_timeout", "RENDER_HARD_TIMEOUT")
	_ = viper.BindEnv("render.memory_limit", "RENDER_MEMORY_LIMIT")
	_ = viper.BindEnv("render.segment_sec", "RENDER_SEGMENT_SEC")

	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.render_per_hour", 20)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("render.ffmpeg_path", "ffmpeg")
	viper.SetDefault("render.ffprobe_path", "ffprobe")
	viper.SetDefault("render.work_dir", os.TempDir())
	viper.SetDefault("render.width", 1920)
	viper.SetDefault("render.height", 1080)
	viper.SetDefault("render.fps", 30)
	viper.SetDefault("render.video_bitrate", 6000)
	viper.SetDefault("render.audio_bitrate", 192)
	viper.SetDefault("render.sample_rate", 48000)
	viper.SetDefault("render.concurrency", 1)
	viper.SetDefault("render.download_limit", 4)
	viper.SetDefault("render.max_retry", 2)
	viper.SetDefault("render.soft_timeout", 540)
	viper.SetDefault("render.hard_timeout", 600)
	viper.SetDefault("render.memory_limit", 0)
	viper.SetDefault("render.segment_sec", 60)

	// Config file is optional; env vars and defaults cover everything
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:          viper.GetString("server.port"),
			Env:           viper.GetString("server.env"),
			LogLevel:      viper.GetString("server.log_level"),
			RenderPerHour: viper.GetInt("server.render_per_hour"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			AccountID:       viper.GetString("storage.account_id"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
		Render: RenderConfig{
			FFmpegPath:    viper.GetString("render.ffmpeg_path"),
			FFprobePath:   viper.GetString("render.ffprobe_path"),
			WorkDir:       viper.GetString("render.work_dir"),
			Width:         viper.GetInt("render.width"),
			Height:        viper.GetInt("render.height"),
			FPS:           viper.GetInt("render.fps"),
			VideoBitrate:  viper.GetInt("render.video_bitrate"),
			AudioBitrate:  viper.GetInt("render.audio_bitrate"),
			SampleRate:    viper.GetInt("render.sample_rate"),
			Concurrency:   viper.GetInt("render.concurrency"),
			DownloadLimit: viper.GetInt("render.download_limit"),
			MaxRetry:      viper.GetInt("render.max_retry"),
			SoftTimeout:   viper.GetInt("render.soft_timeout"),
			HardTimeout:   viper.GetInt("render.hard_timeout"),
			MemoryLimit:   viper.GetInt64("render.memory_limit"),
			SegmentSec:    viper.GetInt("render.segment_sec"),
		},
	}

	return cfg, nil
}
