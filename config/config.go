package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type contextKey string

func (c contextKey) String() string {
	return "relay/config/" + string(c)
}

const (
	ctxKeyConfiguration = contextKey("configurationKey")

	DeliveryModePull = "pull"
	DeliveryModePush = "push"

	defaultServerTimeout     = 30 * time.Second
	defaultCloseTimeout      = 66 * time.Second
	defaultAutoRenewDuration = 5 * time.Minute
)

// ToContext adds listener configuration to the current supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts listener configuration from the supplied context if any exist.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

// LoadFile resolves defaults and environment values first and then applies the yaml file at path on top.
// Keys present in the file win.
func LoadFile[T any](path string) (T, error) {
	cfg, err := FromEnv[T]()
	if err != nil {
		return cfg, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}

	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	return cfg, nil
}

type ConfigurationDefault struct {
	LogLevel      string `envDefault:"info"                      env:"LOG_LEVEL"       yaml:"log_level"`
	LogFormat     string `envDefault:"info"                      env:"LOG_FORMAT"      yaml:"log_format"`
	LogTimeFormat string `envDefault:"2006-01-02T15:04:05Z07:00" env:"LOG_TIME_FORMAT" yaml:"log_time_format"`
	LogColored    bool   `envDefault:"true"                      env:"LOG_COLORED"     yaml:"log_colored"`

	LogShowStackTrace bool `envDefault:"false" env:"LOG_SHOW_STACK_TRACE" yaml:"log_show_stack_trace"`

	OpenTelemetryDisable    bool    `envDefault:"false" env:"OPENTELEMETRY_DISABLE"        yaml:"opentelemetry_disable"`
	OpenTelemetryTraceRatio float64 `envDefault:"0.1"   env:"OPENTELEMETRY_TRACE_ID_RATIO" yaml:"opentelemetry_trace_id_ratio"`

	ServiceName        string `envDefault:"" env:"SERVICE_NAME"        yaml:"service_name"`
	ServiceEnvironment string `envDefault:"" env:"SERVICE_ENVIRONMENT" yaml:"service_environment"`
	ServiceVersion     string `envDefault:"" env:"SERVICE_VERSION"     yaml:"service_version"`

	// Worker pool settings
	WorkerPoolCPUFactorForWorkerCount int    `envDefault:"10"  env:"WORKER_POOL_CPU_FACTOR_FOR_WORKER_COUNT" yaml:"worker_pool_cpu_factor_for_worker_count"`
	WorkerPoolCapacity                int    `envDefault:"100" env:"WORKER_POOL_CAPACITY"                    yaml:"worker_pool_capacity"`
	WorkerPoolCount                   int    `envDefault:"1"   env:"WORKER_POOL_COUNT"                       yaml:"worker_pool_count"`
	WorkerPoolExpiryDuration          string `envDefault:"1s"  env:"WORKER_POOL_EXPIRY_DURATION"             yaml:"worker_pool_expiry_duration"`

	// Listener settings
	RelayName              string `envDefault:"relay" env:"RELAY_NAME"                yaml:"relay_name"`
	RelayQueueURL          string `envDefault:""      env:"RELAY_QUEUE_URL"           yaml:"relay_queue_url"`
	RelayConcurrency       int    `envDefault:"1"     env:"RELAY_CONCURRENCY"         yaml:"relay_concurrency"`
	RelayBatchSize         int    `envDefault:"10"    env:"RELAY_BATCH_SIZE"          yaml:"relay_batch_size"`
	RelayServerTimeout     string `envDefault:"30s"   env:"RELAY_SERVER_TIMEOUT"      yaml:"relay_server_timeout"`
	RelayPrefetchCount     int    `envDefault:"0"     env:"RELAY_PREFETCH_COUNT"      yaml:"relay_prefetch_count"`
	RelayCloseTimeout      string `envDefault:"66s"   env:"RELAY_CLOSE_TIMEOUT"       yaml:"relay_close_timeout"`
	RelayLockRenewInterval string `envDefault:""      env:"RELAY_LOCK_RENEW_INTERVAL" yaml:"relay_lock_renew_interval"`
	RelayRequireSessions   bool   `envDefault:"false" env:"RELAY_REQUIRE_SESSIONS"    yaml:"relay_require_sessions"`
	RelayDeliveryMode      string `envDefault:"pull"  env:"RELAY_DELIVERY_MODE"       yaml:"relay_delivery_mode"`
	RelayAutoRenewDuration string `envDefault:"5m"    env:"RELAY_AUTO_RENEW_DURATION" yaml:"relay_auto_renew_duration"`

	// Service Bus settings, used when the queue url has the sb:// scheme
	ServiceBusConnectionString string `env:"SERVICEBUS_CONNECTION_STRING" yaml:"servicebus_connection_string"`
	ServiceBusQueue            string `env:"SERVICEBUS_QUEUE"             yaml:"servicebus_queue"`
	ServiceBusTopic            string `env:"SERVICEBUS_TOPIC"             yaml:"servicebus_topic"`
	ServiceBusSubscription     string `env:"SERVICEBUS_SUBSCRIPTION"      yaml:"servicebus_subscription"`
}

type ConfigurationService interface {
	Name() string
	Environment() string
	Version() string
}

var _ ConfigurationService = new(ConfigurationDefault)

func (c *ConfigurationDefault) Name() string {
	return c.ServiceName
}
func (c *ConfigurationDefault) Environment() string {
	return c.ServiceEnvironment
}
func (c *ConfigurationDefault) Version() string {
	return c.ServiceVersion
}

type ConfigurationLogLevel interface {
	LoggingLevel() string
	LoggingFormat() string
	LoggingTimeFormat() string
	LoggingShowStackTrace() bool
	LoggingColored() bool
	LoggingLevelIsDebug() bool
}

var _ ConfigurationLogLevel = new(ConfigurationDefault)

func (c *ConfigurationDefault) LoggingLevel() string {
	return strings.ToLower(c.LogLevel)
}

func (c *ConfigurationDefault) LoggingTimeFormat() string {
	return c.LogTimeFormat
}

func (c *ConfigurationDefault) LoggingFormat() string {
	return strings.ToLower(c.LogFormat)
}

func (c *ConfigurationDefault) LoggingColored() bool {
	return c.LogColored
}

func (c *ConfigurationDefault) LoggingShowStackTrace() bool {
	return c.LogShowStackTrace
}

func (c *ConfigurationDefault) LoggingLevelIsDebug() bool {
	return c.LoggingLevel() == "debug" || c.LoggingLevel() == "trace"
}

type ConfigurationTelemetry interface {
	DisableOpenTelemetry() bool
	SamplingRatio() float64
}

var _ ConfigurationTelemetry = new(ConfigurationDefault)

func (c *ConfigurationDefault) DisableOpenTelemetry() bool {
	return c.OpenTelemetryDisable
}

func (c *ConfigurationDefault) SamplingRatio() float64 {
	return c.OpenTelemetryTraceRatio
}

type ConfigurationWorkerPool interface {
	GetCPUFactor() int
	GetCapacity() int
	GetCount() int
	GetExpiryDuration() time.Duration
}

var _ ConfigurationWorkerPool = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetCPUFactor() int {
	return c.WorkerPoolCPUFactorForWorkerCount
}

func (c *ConfigurationDefault) GetCapacity() int {
	return c.WorkerPoolCapacity
}

func (c *ConfigurationDefault) GetCount() int {
	return c.WorkerPoolCount
}

func (c *ConfigurationDefault) GetExpiryDuration() time.Duration {
	return parseDuration(c.WorkerPoolExpiryDuration, time.Second)
}

// ConfigurationListener describes how a listener receives and settles messages.
type ConfigurationListener interface {
	ListenerName() string
	QueueURL() string
	ListenerConcurrency() int
	ListenerBatchSize() int
	ListenerServerTimeout() time.Duration
	ListenerPrefetchCount() int
	ListenerCloseTimeout() time.Duration
	ListenerLockRenewInterval() time.Duration
	ListenerRequireSessions() bool
	ListenerDeliveryMode() string
	ListenerAutoRenewDuration() time.Duration
}

var _ ConfigurationListener = new(ConfigurationDefault)

func (c *ConfigurationDefault) ListenerName() string {
	return c.RelayName
}

func (c *ConfigurationDefault) QueueURL() string {
	return strings.TrimSpace(c.RelayQueueURL)
}

func (c *ConfigurationDefault) ListenerConcurrency() int {
	if c.RelayConcurrency < 1 {
		return 1
	}
	return c.RelayConcurrency
}

func (c *ConfigurationDefault) ListenerBatchSize() int {
	if c.RelayBatchSize < 1 {
		return 1
	}
	return c.RelayBatchSize
}

func (c *ConfigurationDefault) ListenerServerTimeout() time.Duration {
	return parseDuration(c.RelayServerTimeout, defaultServerTimeout)
}

func (c *ConfigurationDefault) ListenerPrefetchCount() int {
	if c.RelayPrefetchCount < 0 {
		return 0
	}
	return c.RelayPrefetchCount
}

// ListenerCloseTimeout is the grace period granted to in flight work on close. An explicit "0s" disables it.
func (c *ConfigurationDefault) ListenerCloseTimeout() time.Duration {
	return parseDuration(c.RelayCloseTimeout, defaultCloseTimeout)
}

// ListenerLockRenewInterval is zero, meaning no renewal, unless configured.
func (c *ConfigurationDefault) ListenerLockRenewInterval() time.Duration {
	return parseDuration(c.RelayLockRenewInterval, 0)
}

func (c *ConfigurationDefault) ListenerRequireSessions() bool {
	return c.RelayRequireSessions
}

func (c *ConfigurationDefault) ListenerDeliveryMode() string {
	if strings.EqualFold(strings.TrimSpace(c.RelayDeliveryMode), DeliveryModePush) {
		return DeliveryModePush
	}
	return DeliveryModePull
}

func (c *ConfigurationDefault) ListenerAutoRenewDuration() time.Duration {
	return parseDuration(c.RelayAutoRenewDuration, defaultAutoRenewDuration)
}

type ConfigurationServiceBus interface {
	ServiceBusConnection() string
	ServiceBusEntity() (queue string, topic string, subscription string)
	ValidateServiceBus() error
}

var _ ConfigurationServiceBus = new(ConfigurationDefault)

func (c *ConfigurationDefault) ServiceBusConnection() string {
	return c.ServiceBusConnectionString
}

func (c *ConfigurationDefault) ServiceBusEntity() (string, string, string) {
	return c.ServiceBusQueue, c.ServiceBusTopic, c.ServiceBusSubscription
}

// ValidateServiceBus checks that exactly one entity, a queue or a topic subscription, is named.
func (c *ConfigurationDefault) ValidateServiceBus() error {
	hasQueue := c.ServiceBusQueue != ""
	hasSubscription := c.ServiceBusTopic != "" && c.ServiceBusSubscription != ""

	switch {
	case hasQueue && hasSubscription:
		return errors.New("service bus queue and topic subscription are mutually exclusive")
	case !hasQueue && !hasSubscription:
		return errors.New("service bus needs a queue or a topic with a subscription")
	default:
		return nil
	}
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}

	duration, err := time.ParseDuration(value)
	if err != nil || duration < 0 {
		return fallback
	}
	return duration
}
