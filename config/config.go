/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"RESELLER_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"RESELLER_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"RESELLER_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"RESELLER_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"RESELLER_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"RESELLER_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"RESELLER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"RESELLER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"RESELLER_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"RESELLER_QUEUE_WEBHOOK"`
	MonitoringPort string `json:"monitoring_port" envconfig:"RESELLER_QUEUE_MONITORING_PORT"`
}

// PaymentConfig holds the amount tolerance tunables. Zero is a meaningful
// value for every decimal here, so defaults come from Default() rather than
// from validateAndAddDefaults.
type PaymentConfig struct {
	UnderpaymentTolerancePercent decimal.Decimal `json:"underpayment_tolerance_percent" envconfig:"RESELLER_PAYMENT_UNDERPAYMENT_TOLERANCE_PERCENT"`
	ToleranceCapPercent          decimal.Decimal `json:"tolerance_cap_percent" envconfig:"RESELLER_PAYMENT_TOLERANCE_CAP_PERCENT"`
	OverpaymentLimitPercent      decimal.Decimal `json:"overpayment_limit_percent" envconfig:"RESELLER_PAYMENT_OVERPAYMENT_LIMIT_PERCENT"`
	MinToleranceUSD              decimal.Decimal `json:"min_tolerance_usd" envconfig:"RESELLER_PAYMENT_MIN_TOLERANCE_USD"`
	StrictMode                   bool            `json:"strict_mode" envconfig:"RESELLER_PAYMENT_STRICT_MODE"`
	RequiredConfirmations        int             `json:"required_confirmations" envconfig:"RESELLER_PAYMENT_REQUIRED_CONFIRMATIONS"`
}

type ExpiryConfig struct {
	BitcoinMinutes        int            `json:"bitcoin_minutes" envconfig:"RESELLER_EXPIRY_BITCOIN_MINUTES"`
	EthereumMinutes       int            `json:"ethereum_minutes" envconfig:"RESELLER_EXPIRY_ETHEREUM_MINUTES"`
	StablecoinMinutes     int            `json:"stablecoin_minutes" envconfig:"RESELLER_EXPIRY_STABLECOIN_MINUTES"`
	FastCryptoMinutes     int            `json:"fast_crypto_minutes" envconfig:"RESELLER_EXPIRY_FAST_CRYPTO_MINUTES"`
	UnknownMinutes        int            `json:"unknown_minutes" envconfig:"RESELLER_EXPIRY_UNKNOWN_MINUTES"`
	ProviderBufferMinutes map[string]int `json:"provider_buffer_minutes" envconfig:"RESELLER_EXPIRY_PROVIDER_BUFFER_MINUTES"`
	MinTimeoutMinutes     int            `json:"min_timeout_minutes" envconfig:"RESELLER_EXPIRY_MIN_TIMEOUT_MINUTES"`
	GracePeriodMinutes    int            `json:"grace_period_minutes" envconfig:"RESELLER_EXPIRY_GRACE_PERIOD_MINUTES"`
}

type JobsConfig struct {
	MaxRetries            int   `json:"max_retries" envconfig:"RESELLER_JOBS_MAX_RETRIES"`
	BackoffSeconds        []int `json:"backoff_seconds" envconfig:"RESELLER_JOBS_BACKOFF_SECONDS"`
	BatchSize             int   `json:"batch_size" envconfig:"RESELLER_JOBS_BATCH_SIZE"`
	PollIntervalSeconds   int   `json:"poll_interval_seconds" envconfig:"RESELLER_JOBS_POLL_INTERVAL_SECONDS"`
	ProcessTimeoutSeconds int   `json:"process_timeout_seconds" envconfig:"RESELLER_JOBS_PROCESS_TIMEOUT_SECONDS"`
	StaleLeaseMinutes     int   `json:"stale_lease_minutes" envconfig:"RESELLER_JOBS_STALE_LEASE_MINUTES"`
	SweepIntervalSeconds  int   `json:"sweep_interval_seconds" envconfig:"RESELLER_JOBS_SWEEP_INTERVAL_SECONDS"`
}

type ReconciliationConfig struct {
	IntervalMinutes         int  `json:"interval_minutes" envconfig:"RESELLER_RECONCILIATION_INTERVAL_MINUTES"`
	PaymentIntervalMinutes  int  `json:"payment_interval_minutes" envconfig:"RESELLER_RECONCILIATION_PAYMENT_INTERVAL_MINUTES"`
	BatchSize               int  `json:"batch_size" envconfig:"RESELLER_RECONCILIATION_BATCH_SIZE"`
	PaymentMinAgeMinutes    int  `json:"payment_min_age_minutes" envconfig:"RESELLER_RECONCILIATION_PAYMENT_MIN_AGE_MINUTES"`
	PaymentMaxAgeHours      int  `json:"payment_max_age_hours" envconfig:"RESELLER_RECONCILIATION_PAYMENT_MAX_AGE_HOURS"`
	ProviderTimeoutSeconds  int  `json:"provider_timeout_seconds" envconfig:"RESELLER_RECONCILIATION_PROVIDER_TIMEOUT_SECONDS"`
	ProviderMaxRetrySeconds int  `json:"provider_max_retry_seconds" envconfig:"RESELLER_RECONCILIATION_PROVIDER_MAX_RETRY_SECONDS"`
	DisableLock             bool `json:"disable_lock" envconfig:"RESELLER_RECONCILIATION_DISABLE_LOCK"`
}

// ProvidersConfig points at the provider gateway, the service that fronts
// the registrar, hosting panel, VPS platform and payment processors.
type ProvidersConfig struct {
	GatewayURL       string   `json:"gateway_url" envconfig:"RESELLER_PROVIDERS_GATEWAY_URL"`
	APIKey           string   `json:"api_key" envconfig:"RESELLER_PROVIDERS_API_KEY"`
	PaymentProviders []string `json:"payment_providers" envconfig:"RESELLER_PROVIDERS_PAYMENT_PROVIDERS"`
	ReconcileKinds   []string `json:"reconcile_kinds" envconfig:"RESELLER_PROVIDERS_RECONCILE_KINDS"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"RESELLER_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url" envconfig:"RESELLER_WEBHOOK_URL"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"RESELLER_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"RESELLER_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Queue           QueueConfig          `json:"queue"`
	Payment         PaymentConfig        `json:"payment"`
	Expiry          ExpiryConfig         `json:"expiry"`
	Jobs            JobsConfig           `json:"jobs"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Providers       ProvidersConfig      `json:"providers"`
	Notification    Notification         `json:"notification"`
}

// Default returns a configuration carrying every tunable's default value.
// Loaders decode on top of it so an explicit zero in the file or environment
// is preserved.
func Default() Configuration {
	return Configuration{
		Payment: PaymentConfig{
			UnderpaymentTolerancePercent: decimal.NewFromInt(3),
			ToleranceCapPercent:          decimal.NewFromInt(5),
			OverpaymentLimitPercent:      decimal.Zero,
			MinToleranceUSD:              decimal.RequireFromString("0.10"),
			RequiredConfirmations:        1,
		},
		Expiry: ExpiryConfig{
			BitcoinMinutes:        60,
			EthereumMinutes:       45,
			StablecoinMinutes:     30,
			FastCryptoMinutes:     30,
			UnknownMinutes:        30,
			ProviderBufferMinutes: map[string]int{"blockbee": 5, "dynopay": 3},
			MinTimeoutMinutes:     10,
			GracePeriodMinutes:    5,
		},
		Jobs: JobsConfig{
			MaxRetries:            4,
			BackoffSeconds:        []int{0, 60, 300, 900},
			BatchSize:             3,
			PollIntervalSeconds:   5,
			ProcessTimeoutSeconds: 120,
			StaleLeaseMinutes:     15,
			SweepIntervalSeconds:  60,
		},
		Reconciliation: ReconciliationConfig{
			IntervalMinutes:         10,
			PaymentIntervalMinutes:  5,
			BatchSize:               100,
			PaymentMinAgeMinutes:    120,
			PaymentMaxAgeHours:      48,
			ProviderTimeoutSeconds:  30,
			ProviderMaxRetrySeconds: 20,
		},
	}
}

func loadConfigFromFile(file string) error {
	cnf := Default()
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("reseller", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called reseller.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Reseller"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Server.Secure && cnf.Server.SecretKey == "" {
		return errors.New("server secret key is required when secure mode is enabled")
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "operator_events"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}

	if err := cnf.Payment.addDefaults(); err != nil {
		return err
	}
	if err := cnf.Expiry.addDefaults(); err != nil {
		return err
	}
	if err := cnf.Jobs.addDefaults(); err != nil {
		return err
	}
	if err := cnf.Providers.addDefaults(); err != nil {
		return err
	}
	return cnf.Reconciliation.addDefaults()
}

func (p *PaymentConfig) addDefaults() error {
	for name, v := range map[string]decimal.Decimal{
		"underpayment_tolerance_percent": p.UnderpaymentTolerancePercent,
		"tolerance_cap_percent":          p.ToleranceCapPercent,
		"overpayment_limit_percent":      p.OverpaymentLimitPercent,
		"min_tolerance_usd":              p.MinToleranceUSD,
	} {
		if v.IsNegative() {
			return fmt.Errorf("payment.%s must not be negative", name)
		}
	}

	if p.RequiredConfirmations < 0 {
		return errors.New("payment.required_confirmations must not be negative")
	}
	if p.RequiredConfirmations == 0 {
		p.RequiredConfirmations = 1
	}
	return nil
}

func (e *ExpiryConfig) addDefaults() error {
	defaults := []struct {
		v   *int
		def int
	}{
		{&e.BitcoinMinutes, 60},
		{&e.EthereumMinutes, 45},
		{&e.StablecoinMinutes, 30},
		{&e.FastCryptoMinutes, 30},
		{&e.UnknownMinutes, 30},
		{&e.MinTimeoutMinutes, 10},
		{&e.GracePeriodMinutes, 5},
	}
	for _, d := range defaults {
		if *d.v < 0 {
			return errors.New("expiry minutes must not be negative")
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}

	if e.ProviderBufferMinutes == nil {
		e.ProviderBufferMinutes = map[string]int{"blockbee": 5, "dynopay": 3}
	}
	for provider, buffer := range e.ProviderBufferMinutes {
		if buffer < 0 {
			return fmt.Errorf("expiry buffer for provider %s must not be negative", provider)
		}
	}
	return nil
}

func (j *JobsConfig) addDefaults() error {
	if j.MaxRetries < 0 {
		return errors.New("jobs.max_retries must not be negative")
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 4
	}
	if len(j.BackoffSeconds) == 0 {
		j.BackoffSeconds = []int{0, 60, 300, 900}
	}
	for _, s := range j.BackoffSeconds {
		if s < 0 {
			return errors.New("jobs.backoff_seconds entries must not be negative")
		}
	}
	if j.BatchSize <= 0 {
		j.BatchSize = 3
	}
	if j.PollIntervalSeconds <= 0 {
		j.PollIntervalSeconds = 5
	}
	if j.ProcessTimeoutSeconds <= 0 {
		j.ProcessTimeoutSeconds = 120
	}
	if j.StaleLeaseMinutes <= 0 {
		j.StaleLeaseMinutes = 15
	}
	if j.SweepIntervalSeconds <= 0 {
		j.SweepIntervalSeconds = 60
	}

	if j.StaleLeaseMinutes*60 <= j.ProcessTimeoutSeconds {
		return errors.New("jobs.stale_lease_minutes must exceed jobs.process_timeout_seconds")
	}
	return nil
}

func (r *ReconciliationConfig) addDefaults() error {
	if r.IntervalMinutes <= 0 {
		r.IntervalMinutes = 10
	}
	if r.PaymentIntervalMinutes <= 0 {
		r.PaymentIntervalMinutes = 5
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.PaymentMinAgeMinutes <= 0 {
		r.PaymentMinAgeMinutes = 120
	}
	if r.PaymentMaxAgeHours <= 0 {
		r.PaymentMaxAgeHours = 48
	}
	if r.ProviderTimeoutSeconds <= 0 {
		r.ProviderTimeoutSeconds = 30
	}
	if r.ProviderMaxRetrySeconds <= 0 {
		r.ProviderMaxRetrySeconds = 20
	}

	if r.PaymentMinAgeMinutes >= r.PaymentMaxAgeHours*60 {
		return errors.New("reconciliation.payment_min_age_minutes must be below payment_max_age_hours")
	}
	return nil
}

func (p *ProvidersConfig) addDefaults() error {
	p.GatewayURL = strings.TrimRight(strings.TrimSpace(p.GatewayURL), "/")
	if len(p.PaymentProviders) == 0 {
		p.PaymentProviders = []string{"blockbee", "dynopay"}
	}
	if len(p.ReconcileKinds) == 0 {
		p.ReconcileKinds = []string{"domain", "hosting_account", "vps"}
	}
	for _, kind := range p.ReconcileKinds {
		switch kind {
		case "domain", "hosting_account", "vps":
		default:
			return fmt.Errorf("providers.reconcile_kinds has unknown kind %q", kind)
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
