// Package diagnostics provides support bundle generation for collecting
// relay health, configuration, and runtime information.
package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rjsadow/attentive/internal/config"
	"github.com/rjsadow/attentive/internal/pubsub"
)

// Check is a named dependency pinged for readiness.
type Check struct {
	Name   string
	Pinger pubsub.Pinger
}

// MessageCounter reports journaled message counts per channel.
type MessageCounter interface {
	CountMessages(ctx context.Context, channel string) (int, error)
}

// Collector gathers diagnostic information from the relay.
type Collector struct {
	config  *config.Config
	checks  []Check
	journal MessageCounter
	started time.Time
}

// NewCollector creates a new diagnostics collector. journal may be nil
// when journaling is disabled.
func NewCollector(cfg *config.Config, checks []Check, journal MessageCounter, started time.Time) *Collector {
	return &Collector{
		config:  cfg,
		checks:  checks,
		journal: journal,
		started: started,
	}
}

// Bundle represents a complete diagnostics bundle.
type Bundle struct {
	GeneratedAt time.Time      `json:"generated_at"`
	System      SystemInfo     `json:"system"`
	Config      RedactedConfig `json:"config"`
	Health      HealthSummary  `json:"health"`
	Journal     *JournalStats  `json:"journal,omitempty"`
	Runtime     RuntimeInfo    `json:"runtime"`
}

// SystemInfo contains basic system information.
type SystemInfo struct {
	GoVersion     string  `json:"go_version"`
	GOOS          string  `json:"goos"`
	GOARCH        string  `json:"goarch"`
	NumCPU        int     `json:"num_cpu"`
	Hostname      string  `json:"hostname"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// RedactedConfig contains configuration with secrets removed.
type RedactedConfig struct {
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	Publisher       string   `json:"publisher"`
	RedisAddr       string   `json:"redis_addr,omitempty"`
	RedisDB         int      `json:"redis_db"`
	JournalEnabled  bool     `json:"journal_enabled"`
	DBType          string   `json:"db_type,omitempty"`
	ArchiveBackend  string   `json:"archive_backend,omitempty"`
	ArchiveBucket   string   `json:"archive_bucket,omitempty"`
	AnalyzerEnabled bool     `json:"analyzer_enabled"`
	RateLimit       float64  `json:"rate_limit"`
	RateBurst       int      `json:"rate_burst"`
	MaxBodyBytes    int64    `json:"max_body_bytes"`
	AuthEnabled     bool     `json:"auth_enabled"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
}

// HealthSummary contains the overall health status.
type HealthSummary struct {
	Overall    string            `json:"overall"`
	Components []ComponentHealth `json:"components"`
}

// Healthy reports whether every component passed.
func (h HealthSummary) Healthy() bool {
	return h.Overall == "healthy"
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// JournalStats counts journaled messages per channel.
type JournalStats struct {
	SessionEvents    int `json:"session_events"`
	Data             int `json:"data"`
	MeaningfulEvents int `json:"meaningful_events"`
}

// RuntimeInfo contains Go runtime information.
type RuntimeInfo struct {
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

// MemoryStats contains memory statistics.
type MemoryStats struct {
	AllocMB      float64 `json:"alloc_mb"`
	TotalAllocMB float64 `json:"total_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// Collect gathers all diagnostic information into a Bundle.
func (c *Collector) Collect(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{
		GeneratedAt: time.Now().UTC(),
	}

	bundle.System = c.collectSystemInfo()
	bundle.Config = c.collectRedactedConfig()
	bundle.Health = c.Health(ctx)
	bundle.Journal = c.collectJournalStats(ctx)
	bundle.Runtime = c.collectRuntimeInfo()

	return bundle, nil
}

// WriteTarGz writes the diagnostics bundle as a tar.gz archive to the given writer.
func (c *Collector) WriteTarGz(ctx context.Context, w io.Writer) error {
	bundle, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting diagnostics: %w", err)
	}

	gzw := gzip.NewWriter(w)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}
	if err := addFileToTar(tw, "diagnostics/bundle.json", bundleJSON); err != nil {
		return fmt.Errorf("adding bundle.json to archive: %w", err)
	}

	// Individual sections for easier parsing
	sections := map[string]any{
		"diagnostics/system.json":  bundle.System,
		"diagnostics/config.json":  bundle.Config,
		"diagnostics/health.json":  bundle.Health,
		"diagnostics/runtime.json": bundle.Runtime,
	}
	if bundle.Journal != nil {
		sections["diagnostics/journal.json"] = bundle.Journal
	}

	for name, data := range sections {
		jsonData, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", name, err)
		}
		if err := addFileToTar(tw, name, jsonData); err != nil {
			return fmt.Errorf("adding %s to archive: %w", name, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err := tw.Write(data)
	return err
}

// Health pings every registered check.
func (c *Collector) Health(ctx context.Context) HealthSummary {
	summary := HealthSummary{
		Overall:    "healthy",
		Components: make([]ComponentHealth, 0, len(c.checks)),
	}

	for _, check := range c.checks {
		component := ComponentHealth{Name: check.Name, Healthy: true, Message: "OK"}
		if err := check.Pinger.Ping(ctx); err != nil {
			component = ComponentHealth{Name: check.Name, Healthy: false, Message: err.Error()}
			summary.Overall = "degraded"
		}
		summary.Components = append(summary.Components, component)
	}

	return summary
}

func (c *Collector) collectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	uptime := time.Since(c.started)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Hostname:      hostname,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}
}

func (c *Collector) collectRedactedConfig() RedactedConfig {
	rc := RedactedConfig{
		Port:            c.config.Port,
		LogLevel:        c.config.LogLevel,
		Publisher:       c.config.Publisher,
		RedisDB:         c.config.RedisDB,
		JournalEnabled:  c.config.JournalEnabled,
		ArchiveBackend:  c.config.ArchiveBackend,
		AnalyzerEnabled: c.config.AnalyzerEnabled,
		RateLimit:       c.config.RateLimit,
		RateBurst:       c.config.RateBurst,
		MaxBodyBytes:    c.config.MaxBodyBytes,
		AuthEnabled:     c.config.AuthEnabled(),
		AllowedOrigins:  c.config.AllowedOrigins,
	}
	if c.config.Publisher == "redis" {
		rc.RedisAddr = pubsub.RedisOptions{Host: c.config.RedisHost, Port: c.config.RedisPort}.Addr()
	}
	if c.config.JournalEnabled {
		rc.DBType = c.config.DBType
	}
	if c.config.ArchiveBackend == "s3" {
		rc.ArchiveBucket = c.config.ArchiveS3Bucket
	}
	return rc
}

func (c *Collector) collectJournalStats(ctx context.Context) *JournalStats {
	if c.journal == nil {
		return nil
	}

	stats := &JournalStats{}
	if n, err := c.journal.CountMessages(ctx, pubsub.ChannelSessionEvents); err == nil {
		stats.SessionEvents = n
	}
	if n, err := c.journal.CountMessages(ctx, pubsub.ChannelData); err == nil {
		stats.Data = n
	}
	if n, err := c.journal.CountMessages(ctx, pubsub.ChannelMeaningfulEvents); err == nil {
		stats.MeaningfulEvents = n
	}
	return stats
}

func (c *Collector) collectRuntimeInfo() RuntimeInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RuntimeInfo{
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:      float64(memStats.Alloc) / 1024 / 1024,
			TotalAllocMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			SysMB:        float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
	}
}
