package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DB pool tuning
	DBPoolMaxConns        int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns        int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`

	// event stream
	EventBufferSize int `envconfig:"EVENT_BUFFER_SIZE" default:"32"`

	// AWS / SQS (optional: without a queue URL the ingestion consumer is off)
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	IngestConcurrency  int    `envconfig:"INGEST_CONCURRENCY" default:"4"`

	// egress event forwarder (optional)
	EgressWebhookURL string  `envconfig:"EGRESS_WEBHOOK_URL"`
	EgressRPS        float64 `envconfig:"EGRESS_RPS" default:"5"`
	EgressBurst      int     `envconfig:"EGRESS_BURST" default:"10"`
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8081"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9091"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// webhook signature verification + subscription handshake
	AppSecret   string `envconfig:"WHATSAPP_APP_SECRET" required:"true"`
	VerifyToken string `envconfig:"WHATSAPP_VERIFY_TOKEN" required:"true"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type IngestConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadIngest() IngestConfig {
	var cfg IngestConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
